// Command vetkb builds, indexes, queries and evaluates the veterinary drug
// knowledge base from the command line.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
