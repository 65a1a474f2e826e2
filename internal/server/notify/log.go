package notify

import (
	"context"
	"log/slog"
	"os"
)

// LogRelay writes deliveries to the structured log instead of a chat. It
// is used when no webhook is configured.
type LogRelay struct {
	logger *slog.Logger
}

// NewLogRelay creates a log-only relay. A nil logger uses slog.Default.
func NewLogRelay(logger *slog.Logger) *LogRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRelay{logger: logger}
}

func (l *LogRelay) Notify(ctx context.Context, userID int64, text string) error {
	l.logger.InfoContext(ctx, "user notification", "user_id", userID, "text", text)
	return nil
}

func (l *LogRelay) Send(ctx context.Context, userID int64, localPath, displayName, caption string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "file relayed",
		"user_id", userID,
		"file", displayName,
		"size", info.Size(),
	)
	return nil
}
