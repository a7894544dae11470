package postgres

import (
	"context"
	"strings"
	"testing"
)

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open(context.Background(), "  ", PoolOptions{}); err == nil || !strings.Contains(err.Error(), "dsn is required") {
		t.Fatalf("Open() error = %v", err)
	}
}

func TestParseConnConfigSetsApplicationName(t *testing.T) {
	connConfig, err := parseConnConfig("postgres://pilot@localhost:5432/schema", "sqlpilot-api")
	if err != nil {
		t.Fatalf("parseConnConfig() error = %v", err)
	}
	if got := connConfig.RuntimeParams["application_name"]; got != "sqlpilot-api" {
		t.Fatalf("application_name = %q", got)
	}
	if connConfig.Database != "schema" || connConfig.User != "pilot" {
		t.Fatalf("conn config = %+v", connConfig)
	}
}

func TestParseConnConfigKeepsDSNApplicationName(t *testing.T) {
	connConfig, err := parseConnConfig("postgres://pilot@localhost:5432/schema?application_name=reporting", "sqlpilot-api")
	if err != nil {
		t.Fatalf("parseConnConfig() error = %v", err)
	}
	if got := connConfig.RuntimeParams["application_name"]; got != "reporting" {
		t.Fatalf("application_name = %q", got)
	}
}

func TestParseConnConfigRejectsMalformedDSN(t *testing.T) {
	if _, err := parseConnConfig("postgres://pilot@localhost:notaport/schema", ""); err == nil {
		t.Fatal("expected parse error")
	}
}
