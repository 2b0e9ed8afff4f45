package main

import (
	"os"

	"github.com/illmade-knight/go-iot-sim/cmd/iotsim/commands"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := commands.Execute(); err != nil {
		log.Error().Err(err).Msg("iotsim failed")
		os.Exit(1)
	}
}
