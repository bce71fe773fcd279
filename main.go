// The main package for the ranker executable.
package main

import (
	"github.com/koyorikoyote/datascraper-api-example/cmd"
)

func main() {
	cmd.Execute()
}
