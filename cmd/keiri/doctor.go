package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/keiri-labs/keiri-engine/pkg/config"
	"github.com/keiri-labs/keiri-engine/pkg/identity"
	"github.com/keiri-labs/keiri-engine/pkg/ratelimit"
)

// runDoctorCmd probes the optional external pieces and reports what
// the engine can and cannot do in this environment. It always exits
// zero: absence of LibreOffice is a fact, not a failure.
func runDoctorCmd(cfg *config.Config, stdout io.Writer) int {
	report := func(name, status, detail string) {
		if detail != "" {
			fmt.Fprintf(stdout, "%-24s %-6s %s\n", name, status, detail)
			return
		}
		fmt.Fprintf(stdout, "%-24s %s\n", name, status)
	}

	if cfg.EvidenceDir == "" {
		report("vault", "off", "set "+config.EnvEvidenceDir+" to enable evidence storage")
	} else if cfg.VaultKey == "" {
		report("vault", "FAIL", config.EnvVaultKey+" is empty")
	} else if v, err := openVault(cfg); err != nil {
		report("vault", "FAIL", err.Error())
	} else {
		report("vault", "ok", fmt.Sprintf("root=%s key_id=%s", v.Root(), v.KeyID()))
	}

	if cfg.PolicyDir == "" {
		report("policies", "off", "set "+config.EnvPolicyDir)
	} else if entries, err := os.ReadDir(cfg.PolicyDir); err != nil {
		report("policies", "FAIL", err.Error())
	} else {
		report("policies", "ok", fmt.Sprintf("%d files", len(entries)))
	}

	if cfg.PluginDir == "" {
		report("plugins", "off", "set "+config.EnvPluginDir)
	} else if _, err := os.Stat(cfg.PluginDir); err != nil {
		report("plugins", "FAIL", err.Error())
	} else {
		report("plugins", "ok", cfg.PluginDir)
	}

	soffice := cfg.SofficePath
	if soffice == "" {
		soffice = "soffice"
	}
	if path, err := exec.LookPath(soffice); err != nil {
		report("libreoffice", "off", "spreadsheet recalculation unavailable")
	} else {
		report("libreoffice", "ok", path)
	}

	if _, err := tiktoken.GetEncoding("cl100k_base"); err != nil {
		report("tokenizer", "off", "token chunking unavailable: "+err.Error())
	} else {
		report("tokenizer", "ok", "cl100k_base")
	}

	if cfg.RedisAddr == "" {
		report("redis", "off", "rate limiting is process-local")
	} else {
		bucket := ratelimit.NewRedisBucket(cfg.RedisAddr, 1, 1)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := bucket.Ping(ctx); err != nil {
			report("redis", "FAIL", err.Error())
		} else {
			report("redis", "ok", cfg.RedisAddr)
		}
		cancel()
		_ = bucket.Close()
	}

	if os.Getenv("OPENAI_API_KEY") == "" && os.Getenv("AZURE_OPENAI_API_KEY") == "" {
		report("embeddings", "off", "no API key; nlp.embed_texts will fail")
	} else {
		report("embeddings", "ok", "")
	}

	if os.Getenv("SIGNING_KEY") == "" {
		report("signing", "off", "SIGNING_KEY not set")
	} else {
		report("signing", "ok", "")
	}

	if identity.DecisionTokensFromEnv() == nil {
		report("decision tokens", "off", identity.DecisionSecretEnv+" not set")
	} else {
		report("decision tokens", "ok", "")
	}

	return 0
}
