package importer

import (
	"fmt"
	"os"
	"testing"

	"github.com/ncruces/go-sqlite3"
)

// TestMain compiles the SQLite module before the first test deadline starts.
func TestMain(m *testing.M) {
	if err := sqlite3.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize sqlite: %v\n", err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}
