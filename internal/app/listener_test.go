package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLogListener(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		level slog.Level
		want  []string
		never []string
	}{
		{
			name:  "debug shows interim text",
			level: slog.LevelDebug,
			want:  []string{`level=DEBUG msg="interim transcript" text=hel`, `level=INFO msg="utterance committed" text="hello world"`},
		},
		{
			name:  "info hides interim text",
			level: slog.LevelInfo,
			want:  []string{`msg="utterance committed"`},
			never: []string{"interim transcript"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			l := logListener{log: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: tt.level}))}

			l.InterimUpdated("hel")
			l.InterimUpdated("")
			l.CommittedAppended("hello world")

			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log output missing %q:\n%s", w, out)
				}
			}
			for _, n := range tt.never {
				if strings.Contains(out, n) {
					t.Errorf("log output contains %q:\n%s", n, out)
				}
			}
			if got := strings.Count(out, "interim transcript"); tt.level == slog.LevelDebug && got != 1 {
				t.Errorf("interim lines = %d, want 1 (empty interim is not logged)", got)
			}
		})
	}
}
