package main

import (
	"context"

	"bookaware/cmd/bookaware/commands"
)

func main() {
	commands.ExecuteContext(context.Background())
}
