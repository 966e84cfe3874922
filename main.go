package main

import (
	"embed"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"greenroom/internal/logging"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	logging.Init()
	defer func() { _ = logging.Sync() }()

	app := NewApp()

	err := wails.Run(&options.App{
		Title:  "Greenroom",
		Width:  1280,
		Height: 860,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		OnStartup:  app.startup,
		OnShutdown: app.shutdown,
		Bind: []interface{}{
			app,
		},
	})
	if err != nil {
		logging.FatalExitf("failed to run application", "error", err)
	}
}
