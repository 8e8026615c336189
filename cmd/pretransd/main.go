// Command pretransd is the pre-transcoding daemon: it scans a personal
// media library, queues newly found sources, and supervises a bounded pool
// of ffmpeg workers producing on-disk HLS assets.
package main

func main() {
	Execute()
}
