//go:build js && wasm

// Command appmode-wasm exposes the app-mode guard to page JavaScript as
// window.livegateAppMode.
package main

import (
	"log/slog"
	"os"
	"syscall/js"

	"livegate/client"
	"livegate/client/appmode"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	env := appmode.NewBrowserEnv()
	creds := client.NewCredentialStore(appmode.LocalStorage(), logger)
	guard := appmode.NewGuard(appmode.DefaultConfig(), env, appmode.SessionStorage(), creds, logger)

	boolFunc := func(fn func() bool) js.Func {
		return js.FuncOf(func(this js.Value, args []js.Value) any { return fn() })
	}

	api := js.Global().Get("Object").New()
	api.Set("isStandaloneExecution", boolFunc(guard.IsStandaloneExecution))
	api.Set("isEmbeddedInForeignFrame", boolFunc(guard.IsEmbeddedInForeignFrame))
	api.Set("isReferrerForeign", boolFunc(guard.IsReferrerForeign))
	api.Set("initializeAppSession", boolFunc(guard.InitializeAppSession))
	api.Set("isAppSession", boolFunc(guard.IsAppSession))
	api.Set("clearAppSession", js.FuncOf(func(this js.Value, args []js.Value) any {
		guard.ClearAppSession()
		return nil
	}))
	api.Set("resolveLandingRedirect", js.FuncOf(func(this js.Value, args []js.Value) any {
		path, ok := guard.ResolveLandingRedirect()
		if !ok {
			return nil
		}
		return path
	}))
	api.Set("handleAppModeRedirect", js.FuncOf(func(this js.Value, args []js.Value) any {
		path, ok := guard.ResolveLandingRedirect()
		if ok {
			env.Replace(path)
		}
		return ok
	}))
	js.Global().Set("livegateAppMode", api)

	logger.Info("app mode guard ready")
	select {}
}
