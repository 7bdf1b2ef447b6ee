package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/benchd/benchd/cli"
)

func main() {
	log.SetLevel(log.ErrorLevel)

	client, err := cli.NewSimpleCLIClient()
	if err != nil {
		log.Fatal("Failed to create benchctl client: ", err)
	}
	if err := client.Exec(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
