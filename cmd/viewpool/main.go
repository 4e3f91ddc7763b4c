package main

import (
	"os"

	"github.com/ssufhbfndk/yt-view-backend/cmd/viewpool/cmd"
	"github.com/ssufhbfndk/yt-view-backend/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
