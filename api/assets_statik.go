// +build embedstatic
//go:generate statik -src=../public -f

package api

import (
	"net/http"

	"github.com/rakyll/statik/fs"
	// Import the statik generated package
	_ "tunelift/api/statik"
)

func staticFs() (http.FileSystem, error) {
	return fs.New()
}
