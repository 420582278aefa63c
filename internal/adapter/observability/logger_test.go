package observability

import (
	"testing"

	"github.com/fairyhunter13/barcode-pipeline/internal/config"
)

func TestSetupLogger_DevAndProd(t *testing.T) {
	lg := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "svc"})
	if lg == nil {
		t.Fatalf("nil logger")
	}
	lg2 := SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "svc"})
	if lg2 == nil {
		t.Fatalf("nil logger prod")
	}
}

func TestSetupLogger_TextFormat(t *testing.T) {
	lg := SetupLogger(config.Config{AppEnv: "dev", LogFormat: "text", OTELServiceName: "svc"})
	if lg == nil {
		t.Fatalf("nil logger")
	}
}

func TestLogLevel(t *testing.T) {
	cases := []struct {
		level string
		env   string
		want  string
	}{
		{"debug", "prod", "DEBUG"},
		{"warn", "dev", "WARN"},
		{"error", "dev", "ERROR"},
		{"", "dev", "DEBUG"},
		{"", "prod", "INFO"},
	}
	for _, c := range cases {
		got := logLevel(config.Config{AppEnv: c.env, LogLevel: c.level})
		if got.String() != c.want {
			t.Fatalf("level=%q env=%q: got %s want %s", c.level, c.env, got, c.want)
		}
	}
}
