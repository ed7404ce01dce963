package types

import "time"

// RuleType is the identifier category a rule binds to.
type RuleType string

const (
	RuleBinary      RuleType = "binary"
	RuleCertificate RuleType = "certificate"
	RuleCompiler    RuleType = "compiler"
	RuleTransitive  RuleType = "transitive"
	RuleTeamID      RuleType = "teamid"
	RuleSigningID   RuleType = "signingid"
	RuleCDHash      RuleType = "cdhash"
)

// RulePolicy is what a matched rule decides.
type RulePolicy string

const (
	RulePolicyAllow RulePolicy = "allow"
	RulePolicyDeny  RulePolicy = "deny"
)

// Rule binds an identifier of one category to a policy.
type Rule struct {
	Identifier string     `json:"identifier"`
	Type       RuleType   `json:"type"`
	Policy     RulePolicy `json:"policy"`
	CustomMsg  string     `json:"custom_msg,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// RuleIdentifiers is the identifier set extracted from one execution,
// most specific first. Empty fields are skipped during lookup.
type RuleIdentifiers struct {
	CDHash          string `json:"cdhash,omitempty"`
	BinaryHash      string `json:"binary_hash,omitempty"`
	SigningID       string `json:"signing_id,omitempty"`
	CertificateHash string `json:"certificate_hash,omitempty"`
	TeamID          string `json:"team_id,omitempty"`
}

// RuleCounts aggregates rule totals by category.
type RuleCounts struct {
	Binary      int64 `json:"binary"`
	Certificate int64 `json:"certificate"`
	Compiler    int64 `json:"compiler"`
	Transitive  int64 `json:"transitive"`
	TeamID      int64 `json:"teamid"`
	SigningID   int64 `json:"signingid"`
	CDHash      int64 `json:"cdhash"`
}
