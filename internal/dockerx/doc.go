// Package dockerx wraps the local Docker daemon for the build-and-push
// half of the pipeline.
//
// The Docker Engine SDK client handles tagging, pushing, and image
// inspection; image builds shell out to the docker CLI so BuildKit,
// .dockerignore, and build cache behave exactly as they do for a human
// running docker build. The package also performs automatic socket
// detection across platforms.
package dockerx
