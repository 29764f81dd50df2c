package main

import (
	"log"

	"devpn/cmd/internal/passphrase"
	"devpn/services/settled"
)

func main() {
	factory := func(envVar, label string) settled.PassphraseFunc {
		return passphrase.NewSource(envVar, label).Get
	}
	if err := settled.Main(factory); err != nil {
		log.Fatalf("settled: %v", err)
	}
}
