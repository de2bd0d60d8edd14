package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

type Provider string

const (
	ProviderAWS Provider = "AWS"
)

type ResourceType string

const (
	ResourceTypeIAMRole       ResourceType = "iam_role"
	ResourceTypeIAMUser       ResourceType = "iam_user"
	ResourceTypeSecurityGroup ResourceType = "security_group"
	ResourceTypeS3Bucket      ResourceType = "s3_bucket"
	ResourceTypeLambda        ResourceType = "lambda_function"
	ResourceTypeEC2           ResourceType = "ec2_instance"
	ResourceTypeRDS           ResourceType = "rds_instance"
	ResourceTypeDynamoDB      ResourceType = "dynamodb_table"
)

// MetricState distinguishes a measured zero from evidence that was never
// collected. A metric never carries a guessed number.
type MetricState string

const (
	MetricStateValue   MetricState = "VALUE"
	MetricStateUnknown MetricState = "UNKNOWN"
	MetricStateZero    MetricState = "ZERO"
)

// AUGMetric is one leg of the Authorized/Used/Gap triple.
type AUGMetric struct {
	Value *int        `json:"value"`
	State MetricState `json:"state"`
}

func MetricValue(n int) AUGMetric {
	if n == 0 {
		return AUGMetric{Value: &n, State: MetricStateZero}
	}
	return AUGMetric{Value: &n, State: MetricStateValue}
}

func MetricUnknown() AUGMetric {
	return AUGMetric{Value: nil, State: MetricStateUnknown}
}

// Known reports whether the metric holds a real measurement (VALUE or ZERO).
func (m AUGMetric) Known() bool {
	return m.State != MetricStateUnknown && m.Value != nil
}

// Int returns the measured value, or 0 when the metric is UNKNOWN. Callers
// must check Known() before treating the result as a measurement.
func (m AUGMetric) Int() int {
	if m.Value == nil {
		return 0
	}
	return *m.Value
}

// AUG is the Authorized/Used/Gap triple for one resource.
type AUG struct {
	Authorized AUGMetric `json:"authorized"`
	Used       AUGMetric `json:"used"`
	Gap        AUGMetric `json:"gap"`
}

type RiskFlag string

const (
	FlagWildcardAction   RiskFlag = "wildcard_action"
	FlagWildcardResource RiskFlag = "wildcard_resource"
	FlagAdminPolicy      RiskFlag = "admin_policy"
	FlagWorldOpen        RiskFlag = "world_open"
	FlagSensitivePorts   RiskFlag = "sensitive_ports"
	FlagCrossAccount     RiskFlag = "cross_account"
	FlagOverlyPermissive RiskFlag = "overly_permissive"
	FlagNoMFA            RiskFlag = "no_mfa"
	FlagNoEncryption     RiskFlag = "no_encryption"
	FlagPublicBucket     RiskFlag = "public_bucket"
	FlagPolicyIssues     RiskFlag = "policy_issues"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

type ConfidenceLevel string

const (
	ConfidenceUnknown ConfidenceLevel = "unknown"
	ConfidenceLow     ConfidenceLevel = "low"
	ConfidenceMedium  ConfidenceLevel = "medium"
	ConfidenceHigh    ConfidenceLevel = "high"
)

// Rank places the level on the single ordinal scale unknown < low < medium < high.
func (c ConfidenceLevel) Rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	default:
		return 0
	}
}

func (c ConfidenceLevel) AtLeast(other ConfidenceLevel) bool {
	return c.Rank() >= other.Rank()
}

type BlastRisk string

const (
	BlastRisky   BlastRisk = "RISKY"
	BlastSafe    BlastRisk = "SAFE"
	BlastUnknown BlastRisk = "UNKNOWN"
)

// BlastRadius summarizes the downstream reach of changing one resource.
type BlastRadius struct {
	Risk             BlastRisk `json:"risk"`
	Neighbors        int       `json:"neighbors"`
	CriticalPaths    int       `json:"critical_paths"`
	ImpactedServices []string  `json:"impacted_services,omitempty"`
	// Percentage is the estimated fraction of the estate reachable from
	// this resource, in [0,1].
	Percentage float64 `json:"percentage"`
}

// EvidenceSource records availability of one telemetry feed for a run.
type EvidenceSource struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// SecurityComponent is the per-resource analysis output: the AUG triple,
// classified flags, confidence, and blast radius for one cloud resource.
type SecurityComponent struct {
	ID                  string           `json:"id"`
	Name                string           `json:"name"`
	Type                ResourceType     `json:"type"`
	AccountID           string           `json:"account_id"`
	Region              string           `json:"region,omitempty"`
	AUG                 AUG              `json:"aug"`
	Flags               []RiskFlag       `json:"flags"`
	HighestFlag         RiskFlag         `json:"highest_flag,omitempty"`
	Severity            Severity         `json:"severity"`
	Confidence          ConfidenceLevel  `json:"confidence"`
	UsagePercent        float64          `json:"usage_percent"`
	Blast               BlastRadius      `json:"blast_radius"`
	HasAdminAccess      bool             `json:"has_admin_access"`
	InternetExposed     bool             `json:"internet_exposed"`
	Sources             []EvidenceSource `json:"sources,omitempty"`
	LeastPrivilegeScore float64          `json:"least_privilege_score"`
	WhyNow              string           `json:"why_now,omitempty"`
}

type RecommendedAction string

const (
	ActionRemove RecommendedAction = "remove"
	ActionScope  RecommendedAction = "scope"
	ActionReview RecommendedAction = "review"
	ActionKeep   RecommendedAction = "keep"
)

// GapItem is one removal candidate: a granted permission or rule with no
// observed use inside the evidence window.
type GapItem struct {
	ID             string            `json:"id"`
	ComponentID    string            `json:"component_id"`
	ComponentName  string            `json:"component_name,omitempty"`
	PolicyRef      string            `json:"policy_ref,omitempty"`
	Action         string            `json:"action"`
	Resource       string            `json:"resource,omitempty"`
	ObservedCount  int               `json:"observed_count"`
	LastUsedDays   int               `json:"last_used_days"`
	Flags          []RiskFlag        `json:"flags,omitempty"`
	RiskScore      float64           `json:"risk_score"`
	ConfidencePct  float64           `json:"confidence_pct"`
	ExposureCIDR   string            `json:"exposure_cidr,omitempty"`
	Recommendation RecommendedAction `json:"recommendation"`
	Reason         string            `json:"reason,omitempty"`
	Priority       float64           `json:"priority"`
	Rank           int               `json:"rank"`
}

type QueueName string

const (
	QueueHighConfidenceGaps  QueueName = "high_confidence_gaps"
	QueueArchitecturalRisks  QueueName = "architectural_risks"
	QueueBlastRadiusWarnings QueueName = "blast_radius_warnings"
)

type RiskCategory string

const (
	RiskCategoryOverPrivileged RiskCategory = "over_privileged"
	RiskCategoryPublicExposure RiskCategory = "public_exposure"
)

// QueueCard is one triage-queue entry: a component plus the narrative the
// reviewer needs to act on it.
type QueueCard struct {
	ComponentID  string          `json:"component_id"`
	Name         string          `json:"name"`
	Type         ResourceType    `json:"type"`
	Queue        QueueName       `json:"queue"`
	Severity     Severity        `json:"severity"`
	Confidence   ConfidenceLevel `json:"confidence"`
	AUG          AUG             `json:"aug"`
	Flags        []RiskFlag      `json:"flags,omitempty"`
	Blast        BlastRadius     `json:"blast_radius"`
	RiskCategory RiskCategory    `json:"risk_category"`
	Reason       string          `json:"reason"`
	CTA          string          `json:"cta"`
	WhyNow       string          `json:"why_now,omitempty"`
}

type DecisionAction string

const (
	DecisionAutoRemediate   DecisionAction = "AUTO_REMEDIATE"
	DecisionCanary          DecisionAction = "CANARY"
	DecisionRequireApproval DecisionAction = "REQUIRE_APPROVAL"
	DecisionBlock           DecisionAction = "BLOCK"
)

// Directive is the execution-facing verb spoken to the remediation runner.
type Directive string

const (
	DirectiveExecute Directive = "EXECUTE"
	DirectiveCanary  Directive = "CANARY"
	DirectiveReview  Directive = "REVIEW"
	DirectiveBlock   Directive = "BLOCK"
)

// Decision is the safety-gate verdict for one candidate remediation.
type Decision struct {
	Action      DecisionAction     `json:"action"`
	Directive   Directive          `json:"directive"`
	SafetyScore int                `json:"safety_score"`
	Breakdown   map[string]float64 `json:"breakdown,omitempty"`
	Reasons     []string           `json:"reasons,omitempty"`
	Warnings    []string           `json:"warnings,omitempty"`
	Source      string             `json:"source"`
	DecidedAt   time.Time          `json:"decided_at"`
}

type WorkflowState string

const (
	StatePendingSimulation WorkflowState = "PENDING_SIMULATION"
	StateScored            WorkflowState = "SCORED"
	StateAutoApproved      WorkflowState = "AUTO_APPROVED"
	StateCanaryPending     WorkflowState = "CANARY_PENDING"
	StateAwaitingApproval  WorkflowState = "AWAITING_APPROVAL"
	StateBlocked           WorkflowState = "BLOCKED"
	StateExecuting         WorkflowState = "EXECUTING"
	StateSucceeded         WorkflowState = "SUCCEEDED"
	StateFailedRolledBack  WorkflowState = "FAILED_ROLLED_BACK"
)

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Issue is the persisted record of one remediation candidate, as stored in
// the lp_issues table.
type Issue struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	ComponentID    string          `json:"component_id" db:"component_id"`
	ComponentName  string          `json:"component_name" db:"component_name"`
	ResourceType   ResourceType    `json:"resource_type" db:"resource_type"`
	AccountID      string          `json:"account_id" db:"account_id"`
	Severity       Severity        `json:"severity" db:"severity"`
	Queue          QueueName       `json:"queue" db:"queue"`
	Flags          StringArray     `json:"flags" db:"flags"`
	Confidence     ConfidenceLevel `json:"confidence" db:"confidence"`
	UnusedCount    int             `json:"unused_count" db:"unused_count"`
	Details        JSONB           `json:"details" db:"details"`
	State          WorkflowState   `json:"state" db:"state"`
	SafetyScore    *int            `json:"safety_score,omitempty" db:"safety_score"`
	DecisionAction *string         `json:"decision_action,omitempty" db:"decision_action"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// PolicySnapshot preserves the pre-change policy document so a remediation
// can be rolled back.
type PolicySnapshot struct {
	ID         uuid.UUID `json:"id" db:"id"`
	IssueID    uuid.UUID `json:"issue_id" db:"issue_id"`
	ResourceID string    `json:"resource_id" db:"resource_id"`
	Document   JSONB     `json:"document" db:"document"`
	TakenAt    time.Time `json:"taken_at" db:"taken_at"`
}

// Execution records one attempt to apply an approved remediation.
type Execution struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	IssueID     uuid.UUID     `json:"issue_id" db:"issue_id"`
	State       WorkflowState `json:"state" db:"state"`
	CanaryStage int           `json:"canary_stage" db:"canary_stage"`
	Error       *string       `json:"error,omitempty" db:"error"`
	StartedAt   time.Time     `json:"started_at" db:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty" db:"finished_at"`
}

// User is an operator account for the API.
type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         string    `json:"role" db:"role"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
