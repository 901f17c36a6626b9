package discord

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// transcodeTimeout bounds one ffmpeg run. Clips are a few hundred
// kilobytes; a transcode that takes longer than this is wedged.
const transcodeTimeout = 20 * time.Second

// transcodeToOgg converts an encoded clip to Ogg/Opus at Discord's
// 48kHz stereo through an ffmpeg child process, fully piped, no temp
// files.
func transcodeToOgg(ffmpegPath string, data []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), transcodeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-c:a", "libopus",
		"-b:a", "96k",
		"-ar", "48000",
		"-ac", "2",
		"-f", "ogg",
		"pipe:1",
	)

	var out, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %v: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no output")
	}
	return out.Bytes(), nil
}
