package riskflags

import (
	"reflect"
	"testing"

	"github.com/saferemediate/lpe/internal/evidence"
	"github.com/saferemediate/lpe/internal/models"
)

func knownAUG(allowed, used int) models.AUG {
	return models.AUG{
		Authorized: models.MetricValue(allowed),
		Used:       models.MetricValue(used),
	}
}

func TestClassify(t *testing.T) {
	c := New(DefaultConfig())

	tests := []struct {
		name   string
		record evidence.Record
		aug    models.AUG
		want   []models.RiskFlag
	}{
		{
			name: "wildcard action and resource",
			record: evidence.Record{
				ResourceID: "role-a", ResourceType: models.ResourceTypeIAMRole,
				AccountID: "111111111111", Encrypted: true,
				Permissions: []evidence.Permission{
					{Action: "s3:*", Resource: "*"},
				},
			},
			aug:  knownAUG(5, 5),
			want: []models.RiskFlag{models.FlagWildcardAction, models.FlagWildcardResource},
		},
		{
			name: "admin policy by name",
			record: evidence.Record{
				ResourceID: "role-b", ResourceType: models.ResourceTypeIAMRole,
				AccountID:   "111111111111",
				PolicyNames: []string{"AdministratorAccess"},
				Permissions: []evidence.Permission{{Action: "iam:PassRole"}},
			},
			aug:  knownAUG(3, 3),
			want: []models.RiskFlag{models.FlagAdminPolicy},
		},
		{
			name: "world open security group on ssh",
			record: evidence.Record{
				ResourceID: "sg-1", ResourceType: models.ResourceTypeSecurityGroup,
				AccountID:    "111111111111",
				IngressCIDRs: []string{"0.0.0.0/0"},
				Ports:        []evidence.PortRange{{From: 22, To: 22}},
			},
			aug:  knownAUG(1, 1),
			want: []models.RiskFlag{models.FlagWorldOpen, models.FlagSensitivePorts},
		},
		{
			name: "ipv6 world open",
			record: evidence.Record{
				ResourceID: "sg-2", ResourceType: models.ResourceTypeSecurityGroup,
				AccountID:    "111111111111",
				IngressCIDRs: []string{"::/0"},
				Ports:        []evidence.PortRange{{From: 443, To: 443}},
			},
			aug:  knownAUG(1, 1),
			want: []models.RiskFlag{models.FlagWorldOpen},
		},
		{
			name: "sensitive port inside range",
			record: evidence.Record{
				ResourceID: "sg-3", ResourceType: models.ResourceTypeSecurityGroup,
				AccountID:    "111111111111",
				IngressCIDRs: []string{"10.0.0.0/8"},
				Ports:        []evidence.PortRange{{From: 3300, To: 3400}},
			},
			aug:  knownAUG(1, 1),
			want: []models.RiskFlag{models.FlagSensitivePorts},
		},
		{
			name: "cross account trust",
			record: evidence.Record{
				ResourceID: "role-c", ResourceType: models.ResourceTypeIAMRole,
				AccountID:         "111111111111",
				TrustedPrincipals: []string{"arn:aws:iam::222222222222:root"},
				Permissions:       []evidence.Permission{{Action: "sts:AssumeRole"}},
			},
			aug:  knownAUG(1, 1),
			want: []models.RiskFlag{models.FlagCrossAccount},
		},
		{
			name: "same account trust is clean",
			record: evidence.Record{
				ResourceID: "role-d", ResourceType: models.ResourceTypeIAMRole,
				AccountID:         "111111111111",
				TrustedPrincipals: []string{"arn:aws:iam::111111111111:role/ci"},
				Permissions:       []evidence.Permission{{Action: "sts:AssumeRole"}},
			},
			aug:  knownAUG(1, 1),
			want: nil,
		},
		{
			name: "overly permissive wide grant barely used",
			record: evidence.Record{
				ResourceID: "role-e", ResourceType: models.ResourceTypeIAMRole,
				AccountID:   "111111111111",
				Permissions: []evidence.Permission{{Action: "ec2:DescribeInstances"}},
			},
			aug:  knownAUG(50, 4),
			want: []models.RiskFlag{models.FlagOverlyPermissive},
		},
		{
			name: "iam user without mfa",
			record: evidence.Record{
				ResourceID: "user-a", ResourceType: models.ResourceTypeIAMUser,
				AccountID:   "111111111111",
				Permissions: []evidence.Permission{{Action: "s3:GetObject"}},
				MFAEnabled:  false,
			},
			aug:  knownAUG(1, 1),
			want: []models.RiskFlag{models.FlagNoMFA},
		},
		{
			name: "public unencrypted bucket",
			record: evidence.Record{
				ResourceID: "bkt-1", ResourceType: models.ResourceTypeS3Bucket,
				AccountID:    "111111111111",
				PublicAccess: true, Encrypted: false,
			},
			aug:  knownAUG(0, 0),
			want: []models.RiskFlag{models.FlagNoEncryption, models.FlagPublicBucket},
		},
		{
			name: "grant without decomposed permissions",
			record: evidence.Record{
				ResourceID: "role-f", ResourceType: models.ResourceTypeIAMRole,
				AccountID:    "111111111111",
				AllowedCount: 7,
				PolicyNames:  []string{"inline-legacy"},
			},
			aug:  knownAUG(7, 2),
			want: []models.RiskFlag{models.FlagPolicyIssues},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.record, tt.aug)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyUnknownUsageNeverOverlyPermissive(t *testing.T) {
	c := New(DefaultConfig())
	r := evidence.Record{
		ResourceID: "role-g", ResourceType: models.ResourceTypeIAMRole,
		AccountID:   "111111111111",
		Permissions: []evidence.Permission{{Action: "ec2:DescribeInstances"}},
	}
	aug := models.AUG{Authorized: models.MetricValue(80), Used: models.MetricUnknown()}
	for _, f := range c.Classify(r, aug) {
		if f == models.FlagOverlyPermissive {
			t.Fatal("overly_permissive must not fire on unknown usage")
		}
	}
}

func TestIsWildcardAction(t *testing.T) {
	tests := []struct {
		action string
		want   bool
	}{
		{"*", true},
		{"s3:*", true},
		{"iam:*", true},
		{"s3:GetObject", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsWildcardAction(tt.action); got != tt.want {
			t.Errorf("IsWildcardAction(%q) = %v, want %v", tt.action, got, tt.want)
		}
	}
}

func TestHighestFlag(t *testing.T) {
	tests := []struct {
		name  string
		flags []models.RiskFlag
		want  models.RiskFlag
	}{
		{
			name:  "wildcard beats admin",
			flags: []models.RiskFlag{models.FlagAdminPolicy, models.FlagWildcardAction},
			want:  models.FlagWildcardAction,
		},
		{
			name:  "admin beats public",
			flags: []models.RiskFlag{models.FlagWorldOpen, models.FlagAdminPolicy},
			want:  models.FlagAdminPolicy,
		},
		{
			name:  "public beats broad ports",
			flags: []models.RiskFlag{models.FlagSensitivePorts, models.FlagPublicBucket},
			want:  models.FlagPublicBucket,
		},
		{
			name:  "tie within class keeps input order",
			flags: []models.RiskFlag{models.FlagWildcardResource, models.FlagWildcardAction},
			want:  models.FlagWildcardResource,
		},
		{
			name:  "unranked flags fall back to first",
			flags: []models.RiskFlag{models.FlagNoMFA, models.FlagCrossAccount},
			want:  models.FlagNoMFA,
		},
		{
			name:  "empty set",
			flags: nil,
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HighestFlag(tt.flags); got != tt.want {
				t.Errorf("HighestFlag() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestActionClass(t *testing.T) {
	tests := []struct {
		action string
		want   WeightClass
		ok     bool
	}{
		{"s3:DeleteObject", ClassDelete, true},
		{"ec2:TerminateInstances", ClassDelete, true},
		{"s3:PutObject", ClassWrite, true},
		{"iam:AttachRolePolicy", ClassWrite, true},
		{"s3:GetObject", "", false},
		{"ec2:DescribeInstances", "", false},
	}
	for _, tt := range tests {
		got, ok := ActionClass(tt.action)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ActionClass(%q) = %q,%v want %q,%v", tt.action, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSeverityOf(t *testing.T) {
	tests := []struct {
		name  string
		flags []models.RiskFlag
		want  models.Severity
	}{
		{"wildcard is critical", []models.RiskFlag{models.FlagWildcardAction}, models.SeverityCritical},
		{"admin is critical", []models.RiskFlag{models.FlagAdminPolicy}, models.SeverityCritical},
		{"public is high", []models.RiskFlag{models.FlagWorldOpen}, models.SeverityHigh},
		{"broad ports is medium", []models.RiskFlag{models.FlagSensitivePorts}, models.SeverityMedium},
		{"unranked is medium", []models.RiskFlag{models.FlagNoEncryption}, models.SeverityMedium},
		{"clean is low", nil, models.SeverityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SeverityOf(tt.flags); got != tt.want {
				t.Errorf("SeverityOf() = %s, want %s", got, tt.want)
			}
		})
	}
}
