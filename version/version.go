package version

// Version is the binary version, overridden at build time with
// -ldflags "-X github.com/vlama/vlama/version.Version=x.y.z".
var Version string = "0.0.0"
