package version

// Tag is overridden at build time:
// go build -ldflags="-X 'github.com/peerbits/tradehub/pkg/version.Tag=v1.2.0'"
var Tag = "v0.1.0"
