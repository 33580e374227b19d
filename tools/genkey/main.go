package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/backapp/backapp/internal/crypto"
)

// genkey prints a fresh ENCRYPTION_KEY for sealing stored credentials
func main() {
	export := flag.Bool("export", false, "Print as a shell export statement")
	flag.Parse()

	key, err := crypto.GenerateKeyString()
	if err != nil {
		log.Fatalf("Failed to generate key: %v", err)
	}
	if *export {
		fmt.Printf("export ENCRYPTION_KEY=%s\n", key)
		return
	}
	fmt.Println(key)
}
