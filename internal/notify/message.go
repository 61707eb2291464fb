package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/faithererer/DouyinLiveRecorder/internal/recorder"
)

// roomLabel picks the most human-readable identity available for a room.
func roomLabel(snap recorder.Snapshot) string {
	if snap.AnchorName != "" {
		return snap.AnchorName
	}
	return snap.WebRID
}

// FormatStartedMessage creates a recording-started notification body.
func FormatStartedMessage(snap recorder.Snapshot) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Room: %s\n", snap.WebRID))
	if snap.Title != "" {
		sb.WriteString(fmt.Sprintf("Title: %s\n", snap.Title))
	}
	if snap.AnchorName != "" {
		sb.WriteString(fmt.Sprintf("Anchor: %s\n", snap.AnchorName))
	}
	sb.WriteString(fmt.Sprintf("Started: %s", snap.StartedAt.Format(time.RFC3339)))

	return sb.String()
}

// FormatFinishedMessage creates a clean-finish notification body.
func FormatFinishedMessage(snap recorder.Snapshot, duration time.Duration) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Room: %s\n", snap.WebRID))
	if snap.Title != "" {
		sb.WriteString(fmt.Sprintf("Title: %s\n", snap.Title))
	}
	sb.WriteString(fmt.Sprintf("Comments: %d\n", snap.Comments))
	if snap.SegmentPath != "" {
		sb.WriteString(fmt.Sprintf("Last file: %s\n", snap.SegmentPath))
	}
	sb.WriteString(fmt.Sprintf("Duration: %s", duration.Round(time.Second)))

	return sb.String()
}

// FormatFailedMessage creates a failure notification body.
func FormatFailedMessage(snap recorder.Snapshot, duration time.Duration, err error) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Room: %s\n", snap.WebRID))
	sb.WriteString(fmt.Sprintf("Comments: %d\n", snap.Comments))
	sb.WriteString(fmt.Sprintf("Duration: %s", duration.Round(time.Second)))

	if err != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", err))
	}

	return sb.String()
}
