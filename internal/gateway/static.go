package gateway

import (
	"embed"
	"io/fs"
)

//go:embed static
var embeddedStatic embed.FS

// staticAssets are the assets baked into the panamax binary and served
// under /static/*, rooted so that "static/style.css" is served as
// "/static/style.css".
var staticAssets = mustSub(embeddedStatic, "static")

func mustSub(fsys embed.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
