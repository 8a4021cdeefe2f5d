// The main package for the scraperd executable.
package main

import (
	"github.com/JakeFAU/realtime-chat-scraper/cmd"
)

func main() {
	cmd.Execute()
}
