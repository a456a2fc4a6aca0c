package main

import (
	"github.com/stowage/stowage/registry"

	_ "github.com/stowage/stowage/registry/storage/driver/filesystem"
	_ "github.com/stowage/stowage/registry/storage/driver/inmemory"
)

func main() {
	registry.RootCmd.Execute()
}
