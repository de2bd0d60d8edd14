package remediation

import (
	"reflect"
	"testing"

	"github.com/saferemediate/lpe/internal/models"
)

func TestStageTargets(t *testing.T) {
	targets := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}

	tests := []struct {
		name    string
		percent int
		want    int
	}{
		{"full rollout", 100, 10},
		{"over full", 150, 10},
		{"half", 50, 5},
		{"quarter", 25, 2},
		{"ten percent", 10, 1},
		{"floor never drops below one", 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StageTargets(targets, tt.percent)
			if len(got) != tt.want {
				t.Errorf("StageTargets(10 items, %d%%) returned %d, want %d", tt.percent, len(got), tt.want)
			}
		})
	}

	if got := StageTargets([]string{}, 10); len(got) != 0 {
		t.Errorf("StageTargets(empty, 10%%) returned %d items", len(got))
	}
}

func TestStageTargetsPrefixStable(t *testing.T) {
	targets := []string{"first", "second", "third", "fourth"}
	half := StageTargets(targets, 50)
	if !reflect.DeepEqual(half, []string{"first", "second"}) {
		t.Errorf("50%% stage = %v, want the leading prefix", half)
	}
	full := StageTargets(targets, 100)
	if !reflect.DeepEqual(full, targets) {
		t.Errorf("100%% stage = %v, want all targets", full)
	}
}

func TestStringList(t *testing.T) {
	// Details survive a JSONB round trip as []interface{}.
	fromJSON := []interface{}{"arn:aws:iam::aws:policy/AdministratorAccess", "arn:aws:iam::123:policy/app", 42}
	got := stringList(fromJSON)
	want := []string{"arn:aws:iam::aws:policy/AdministratorAccess", "arn:aws:iam::123:policy/app"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("stringList() = %v, want %v", got, want)
	}

	if got := stringList([]string{"x"}); !reflect.DeepEqual(got, []string{"x"}) {
		t.Errorf("stringList([]string) = %v", got)
	}
	if got := stringList(nil); got != nil {
		t.Errorf("stringList(nil) = %v, want nil", got)
	}
}

func TestRuleList(t *testing.T) {
	raw := []interface{}{
		map[string]interface{}{"cidr": "0.0.0.0/0", "protocol": "tcp", "from_port": float64(22), "to_port": float64(22)},
		map[string]interface{}{"cidr": "::/0", "protocol": "tcp", "from_port": float64(3389), "to_port": float64(3389)},
		map[string]interface{}{"protocol": "tcp"}, // no CIDR, dropped
	}

	got := ruleList(raw)
	if len(got) != 2 {
		t.Fatalf("ruleList() returned %d rules, want 2", len(got))
	}
	if got[0].CIDR != "0.0.0.0/0" || got[0].FromPort != 22 || got[0].ToPort != 22 {
		t.Errorf("first rule = %+v", got[0])
	}
	if got[1].CIDR != "::/0" {
		t.Errorf("second rule CIDR = %q, want ::/0", got[1].CIDR)
	}
}

func TestRuleDocRoundTrip(t *testing.T) {
	doc := ruleDoc("10.0.0.0/8", "tcp", 5432, 5432)
	rules := ruleList([]interface{}{doc})
	if len(rules) != 1 {
		t.Fatalf("round trip lost the rule")
	}
	want := IngressRule{CIDR: "10.0.0.0/8", Protocol: "tcp", FromPort: 5432, ToPort: 5432}
	if rules[0] != want {
		t.Errorf("round trip = %+v, want %+v", rules[0], want)
	}
}

func TestIPPermissionFamilies(t *testing.T) {
	v4 := ipPermission(IngressRule{CIDR: "0.0.0.0/0", Protocol: "tcp", FromPort: 443, ToPort: 443})
	if len(v4.IpRanges) != 1 || len(v4.Ipv6Ranges) != 0 {
		t.Errorf("IPv4 CIDR placed in wrong range list: %+v", v4)
	}

	v6 := ipPermission(IngressRule{CIDR: "::/0", Protocol: "tcp", FromPort: 443, ToPort: 443})
	if len(v6.Ipv6Ranges) != 1 || len(v6.IpRanges) != 0 {
		t.Errorf("IPv6 CIDR placed in wrong range list: %+v", v6)
	}
}

func TestBucketName(t *testing.T) {
	issue := &models.Issue{ComponentID: "arn:aws:s3:::customer-exports"}
	if got := bucketName(issue); got != "customer-exports" {
		t.Errorf("bucketName() = %q, want customer-exports", got)
	}

	plain := &models.Issue{ComponentID: "customer-exports"}
	if got := bucketName(plain); got != "customer-exports" {
		t.Errorf("bucketName() on bare name = %q", got)
	}
}
