// package config provides the environment-backed configuration loader used by
// the autopilot bootstrap (cmd/autopilot/main.go).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the runtime configuration for the automation service.
type Config struct {
	Addr        string // AUTOPILOT_ADDR (default :8070)
	DatabaseURL string // DATABASE_URL or AUTOPILOT_DATABASE_URL

	// Capability governance toggles.
	WriteExecutionEnabled           bool // AUTOPILOT_WRITE_EXECUTION_ENABLED
	RequireApprovalForExternalWrite bool // AUTOPILOT_REQUIRE_APPROVAL_FOR_EXTERNAL_WRITES
	AllowedTenantIDs                []string

	// Skill ingestion toggles.
	RequirePinnedSkillRefs bool // AUTOPILOT_REQUIRE_PINNED_SKILL_REFS
	RequireSkillChecksum   bool // AUTOPILOT_REQUIRE_SKILL_CHECKSUM
	RequireSkillSignature  bool // AUTOPILOT_REQUIRE_SKILL_SIGNATURE
	TrustAnchorKeys        map[string]string
	SkillSourceDir         string // AUTOPILOT_SKILL_SOURCE_DIR (default ./skills)
	SkillInstallDir        string // AUTOPILOT_SKILL_INSTALL_DIR (default ./installed)
	SkillAllowList         []string
	SkillDenyList          []string

	// External collaborators.
	PortalURL string // AUTOPILOT_PORTAL_URL (business portal Cloud Functions)

	// Job scheduling.
	JobInterval time.Duration // AUTOPILOT_JOB_INTERVAL_MS
	JobJitter   time.Duration // AUTOPILOT_JOB_JITTER_MS

	// Event bus (Kafka).
	KafkaBrokers []string // AUTOPILOT_KAFKA_BROKERS (comma separated)
	SwarmTopic   string   // AUTOPILOT_SWARM_TOPIC
	SwarmGroupID string   // AUTOPILOT_SWARM_GROUP_ID

	// Audit archival and retention (optional).
	AuditS3Bucket  string        // AUTOPILOT_AUDIT_S3_BUCKET
	AuditS3Prefix  string        // AUTOPILOT_AUDIT_S3_PREFIX
	AuditRetention time.Duration // AUTOPILOT_AUDIT_RETENTION_DAYS (0 = keep forever)

	// Auth.
	AuthSecret      string // AUTOPILOT_AUTH_SECRET (HMAC for bearer tokens)
	AllowDebugToken bool   // AUTOPILOT_ALLOW_DEBUG_TOKEN (dev only)
	DebugToken      string // AUTOPILOT_DEBUG_TOKEN
}

const (
	defaultAddr        = ":8070"
	defaultSourceDir   = "./skills"
	defaultInstallDir  = "./installed"
	defaultJobInterval = 60 * time.Second
	defaultSwarmGroup  = "autopilot-orchestrator"
)

// Load reads configuration from the environment and validates it.
func Load() (Config, error) {
	cfg := Config{
		Addr:        getEnv("AUTOPILOT_ADDR", defaultAddr),
		DatabaseURL: firstNonEmpty(os.Getenv("AUTOPILOT_DATABASE_URL"), os.Getenv("DATABASE_URL")),

		WriteExecutionEnabled:           getBool("AUTOPILOT_WRITE_EXECUTION_ENABLED", false),
		RequireApprovalForExternalWrite: getBool("AUTOPILOT_REQUIRE_APPROVAL_FOR_EXTERNAL_WRITES", true),
		AllowedTenantIDs:                splitList(os.Getenv("AUTOPILOT_ALLOWED_TENANT_IDS")),

		RequirePinnedSkillRefs: getBool("AUTOPILOT_REQUIRE_PINNED_SKILL_REFS", true),
		RequireSkillChecksum:   getBool("AUTOPILOT_REQUIRE_SKILL_CHECKSUM", true),
		RequireSkillSignature:  getBool("AUTOPILOT_REQUIRE_SKILL_SIGNATURE", false),
		TrustAnchorKeys:        parseKeyMap(os.Getenv("AUTOPILOT_TRUST_ANCHOR_KEYS")),
		SkillSourceDir:         getEnv("AUTOPILOT_SKILL_SOURCE_DIR", defaultSourceDir),
		SkillInstallDir:        getEnv("AUTOPILOT_SKILL_INSTALL_DIR", defaultInstallDir),
		SkillAllowList:         splitList(os.Getenv("AUTOPILOT_SKILL_ALLOW_LIST")),
		SkillDenyList:          splitList(os.Getenv("AUTOPILOT_SKILL_DENY_LIST")),

		JobInterval: getDurationMs("AUTOPILOT_JOB_INTERVAL_MS", defaultJobInterval),
		JobJitter:   getDurationMs("AUTOPILOT_JOB_JITTER_MS", 0),

		KafkaBrokers: splitList(os.Getenv("AUTOPILOT_KAFKA_BROKERS")),
		SwarmTopic:   os.Getenv("AUTOPILOT_SWARM_TOPIC"),
		SwarmGroupID: getEnv("AUTOPILOT_SWARM_GROUP_ID", defaultSwarmGroup),

		PortalURL: os.Getenv("AUTOPILOT_PORTAL_URL"),

		AuditS3Bucket:  os.Getenv("AUTOPILOT_AUDIT_S3_BUCKET"),
		AuditS3Prefix:  os.Getenv("AUTOPILOT_AUDIT_S3_PREFIX"),
		AuditRetention: getDays("AUTOPILOT_AUDIT_RETENTION_DAYS"),

		AuthSecret:      os.Getenv("AUTOPILOT_AUTH_SECRET"),
		AllowDebugToken: getBool("AUTOPILOT_ALLOW_DEBUG_TOKEN", false),
		DebugToken:      os.Getenv("AUTOPILOT_DEBUG_TOKEN"),
	}

	if cfg.RequireSkillSignature && len(cfg.TrustAnchorKeys) == 0 {
		return Config{}, fmt.Errorf("AUTOPILOT_TRUST_ANCHOR_KEYS required when AUTOPILOT_REQUIRE_SKILL_SIGNATURE=true")
	}
	if cfg.AuthSecret == "" && !cfg.AllowDebugToken {
		return Config{}, fmt.Errorf("AUTOPILOT_AUTH_SECRET required unless AUTOPILOT_ALLOW_DEBUG_TOKEN=true")
	}
	if cfg.JobInterval <= 0 {
		cfg.JobInterval = defaultJobInterval
	}
	return cfg, nil
}

// TenantAllowed reports whether the tenant is permitted. An empty allow set
// means all tenants are permitted (single-tenant deployments).
func (c Config) TenantAllowed(tenantID string) bool {
	if len(c.AllowedTenantIDs) == 0 {
		return true
	}
	for _, t := range c.AllowedTenantIDs {
		if t == tenantID {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDays(key string) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	return 0
}

func getDurationMs(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseKeyMap parses "keyId=secret,keyId2=secret2" into a trust anchor map.
func parseKeyMap(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}
