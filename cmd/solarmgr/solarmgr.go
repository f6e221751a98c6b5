package main

import (
	"os"

	"k8s.io/component-base/logs"
	_ "k8s.io/component-base/logs/json/register"

	"github.com/antoine510/solar-mgr/cmd/solarmgr/app"
)

func main() {
	cmd := app.NewSolarMgrCmd()
	logs.InitLogs()
	defer logs.FlushLogs()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
