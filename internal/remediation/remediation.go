// Package remediation applies approved least-privilege changes to AWS.
// It captures a restorable snapshot before every change so the workflow
// engine can roll back on a failed health gate.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/saferemediate/lpe/internal/models"
)

// Details keys an issue must carry for Apply to know what to change.
const (
	DetailDetachPolicies = "detach_policy_arns"
	DetailDeleteInline   = "delete_inline_policies"
	DetailRevokeIngress  = "revoke_ingress"
)

// AWSExecutor mutates IAM, EC2, and S3 resources. It implements the
// workflow executor contract: Snapshot before Apply, Rollback restores
// the snapshot.
type AWSExecutor struct {
	iamClient *iam.Client
	ec2Client *ec2.Client
	s3Client  *s3.Client
	logger    *slog.Logger
}

func NewAWSExecutor(cfg aws.Config, logger *slog.Logger) *AWSExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AWSExecutor{
		iamClient: iam.NewFromConfig(cfg),
		ec2Client: ec2.NewFromConfig(cfg),
		s3Client:  s3.NewFromConfig(cfg),
		logger:    logger,
	}
}

// Snapshot captures the current grant or exposure state of the issue's
// resource as a restorable document.
func (e *AWSExecutor) Snapshot(ctx context.Context, issue *models.Issue) (models.JSONB, error) {
	switch issue.ResourceType {
	case models.ResourceTypeIAMRole:
		return e.snapshotRole(ctx, issue.ComponentName)
	case models.ResourceTypeIAMUser:
		return e.snapshotUser(ctx, issue.ComponentName)
	case models.ResourceTypeSecurityGroup:
		return e.snapshotSecurityGroup(ctx, issue.ComponentID)
	case models.ResourceTypeS3Bucket:
		return e.snapshotBucket(ctx, bucketName(issue))
	default:
		return nil, fmt.Errorf("snapshot not supported for resource type %s", issue.ResourceType)
	}
}

// Apply executes the change described by the issue's details. For staged
// rollouts, stagePercent selects a prefix of the target list; re-applying
// an already-applied target is a no-op.
func (e *AWSExecutor) Apply(ctx context.Context, issue *models.Issue, stagePercent int) error {
	switch issue.ResourceType {
	case models.ResourceTypeIAMRole:
		return e.applyIAM(ctx, issue, stagePercent, true)
	case models.ResourceTypeIAMUser:
		return e.applyIAM(ctx, issue, stagePercent, false)
	case models.ResourceTypeSecurityGroup:
		return e.applySecurityGroup(ctx, issue, stagePercent)
	case models.ResourceTypeS3Bucket:
		return e.applyBucket(ctx, issue)
	default:
		return fmt.Errorf("apply not supported for resource type %s", issue.ResourceType)
	}
}

// HealthCheck verifies the resource is still reachable and serving after
// a stage. A missing resource is unhealthy, not an error.
func (e *AWSExecutor) HealthCheck(ctx context.Context, issue *models.Issue) (bool, error) {
	var err error
	switch issue.ResourceType {
	case models.ResourceTypeIAMRole:
		_, err = e.iamClient.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(issue.ComponentName)})
	case models.ResourceTypeIAMUser:
		_, err = e.iamClient.GetUser(ctx, &iam.GetUserInput{UserName: aws.String(issue.ComponentName)})
	case models.ResourceTypeSecurityGroup:
		_, err = e.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
			GroupIds: []string{issue.ComponentID},
		})
	case models.ResourceTypeS3Bucket:
		_, err = e.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucketName(issue))})
	default:
		return false, fmt.Errorf("health check not supported for resource type %s", issue.ResourceType)
	}

	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s: %w", issue.ComponentID, err)
	}
	return true, nil
}

// Rollback restores the snapshot taken before Apply.
func (e *AWSExecutor) Rollback(ctx context.Context, issue *models.Issue, snapshot models.JSONB) error {
	switch issue.ResourceType {
	case models.ResourceTypeIAMRole:
		return e.rollbackIAM(ctx, issue.ComponentName, snapshot, true)
	case models.ResourceTypeIAMUser:
		return e.rollbackIAM(ctx, issue.ComponentName, snapshot, false)
	case models.ResourceTypeSecurityGroup:
		return e.rollbackSecurityGroup(ctx, issue.ComponentID, snapshot)
	case models.ResourceTypeS3Bucket:
		return e.rollbackBucket(ctx, bucketName(issue), snapshot)
	default:
		return fmt.Errorf("rollback not supported for resource type %s", issue.ResourceType)
	}
}

// --- IAM ---

func (e *AWSExecutor) snapshotRole(ctx context.Context, roleName string) (models.JSONB, error) {
	attached := []string{}
	ap := iam.NewListAttachedRolePoliciesPaginator(e.iamClient, &iam.ListAttachedRolePoliciesInput{
		RoleName: aws.String(roleName),
	})
	for ap.HasMorePages() {
		page, err := ap.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing attached policies for role %s: %w", roleName, err)
		}
		for _, p := range page.AttachedPolicies {
			attached = append(attached, aws.ToString(p.PolicyArn))
		}
	}

	inline := map[string]interface{}{}
	ip := iam.NewListRolePoliciesPaginator(e.iamClient, &iam.ListRolePoliciesInput{
		RoleName: aws.String(roleName),
	})
	for ip.HasMorePages() {
		page, err := ip.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing inline policies for role %s: %w", roleName, err)
		}
		for _, name := range page.PolicyNames {
			out, err := e.iamClient.GetRolePolicy(ctx, &iam.GetRolePolicyInput{
				RoleName:   aws.String(roleName),
				PolicyName: aws.String(name),
			})
			if err != nil {
				return nil, fmt.Errorf("reading inline policy %s: %w", name, err)
			}
			inline[name] = aws.ToString(out.PolicyDocument)
		}
	}

	return models.JSONB{"attached": attached, "inline": inline}, nil
}

func (e *AWSExecutor) snapshotUser(ctx context.Context, userName string) (models.JSONB, error) {
	attached := []string{}
	ap := iam.NewListAttachedUserPoliciesPaginator(e.iamClient, &iam.ListAttachedUserPoliciesInput{
		UserName: aws.String(userName),
	})
	for ap.HasMorePages() {
		page, err := ap.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing attached policies for user %s: %w", userName, err)
		}
		for _, p := range page.AttachedPolicies {
			attached = append(attached, aws.ToString(p.PolicyArn))
		}
	}

	inline := map[string]interface{}{}
	ip := iam.NewListUserPoliciesPaginator(e.iamClient, &iam.ListUserPoliciesInput{
		UserName: aws.String(userName),
	})
	for ip.HasMorePages() {
		page, err := ip.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing inline policies for user %s: %w", userName, err)
		}
		for _, name := range page.PolicyNames {
			out, err := e.iamClient.GetUserPolicy(ctx, &iam.GetUserPolicyInput{
				UserName:   aws.String(userName),
				PolicyName: aws.String(name),
			})
			if err != nil {
				return nil, fmt.Errorf("reading inline policy %s: %w", name, err)
			}
			inline[name] = aws.ToString(out.PolicyDocument)
		}
	}

	return models.JSONB{"attached": attached, "inline": inline}, nil
}

func (e *AWSExecutor) applyIAM(ctx context.Context, issue *models.Issue, stagePercent int, isRole bool) error {
	name := issue.ComponentName
	detach := StageTargets(stringList(issue.Details[DetailDetachPolicies]), stagePercent)
	remove := StageTargets(stringList(issue.Details[DetailDeleteInline]), stagePercent)

	if len(detach) == 0 && len(remove) == 0 {
		return fmt.Errorf("issue %s has no policies to detach", issue.ID)
	}

	for _, arn := range detach {
		var err error
		if isRole {
			_, err = e.iamClient.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
				RoleName:  aws.String(name),
				PolicyArn: aws.String(arn),
			})
		} else {
			_, err = e.iamClient.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{
				UserName:  aws.String(name),
				PolicyArn: aws.String(arn),
			})
		}
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("detaching policy %s from %s: %w", arn, name, err)
		}
		e.logger.Info("detached managed policy", "principal", name, "policy_arn", arn)
	}

	for _, policyName := range remove {
		var err error
		if isRole {
			_, err = e.iamClient.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
				RoleName:   aws.String(name),
				PolicyName: aws.String(policyName),
			})
		} else {
			_, err = e.iamClient.DeleteUserPolicy(ctx, &iam.DeleteUserPolicyInput{
				UserName:   aws.String(name),
				PolicyName: aws.String(policyName),
			})
		}
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("deleting inline policy %s from %s: %w", policyName, name, err)
		}
		e.logger.Info("deleted inline policy", "principal", name, "policy_name", policyName)
	}

	return nil
}

func (e *AWSExecutor) rollbackIAM(ctx context.Context, name string, snapshot models.JSONB, isRole bool) error {
	for _, arn := range stringList(snapshot["attached"]) {
		var err error
		if isRole {
			_, err = e.iamClient.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
				RoleName:  aws.String(name),
				PolicyArn: aws.String(arn),
			})
		} else {
			_, err = e.iamClient.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{
				UserName:  aws.String(name),
				PolicyArn: aws.String(arn),
			})
		}
		if err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("re-attaching policy %s to %s: %w", arn, name, err)
		}
	}

	inline, _ := snapshot["inline"].(map[string]interface{})
	for policyName, doc := range inline {
		docStr, ok := doc.(string)
		if !ok {
			continue
		}
		var err error
		if isRole {
			_, err = e.iamClient.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
				RoleName:       aws.String(name),
				PolicyName:     aws.String(policyName),
				PolicyDocument: aws.String(docStr),
			})
		} else {
			_, err = e.iamClient.PutUserPolicy(ctx, &iam.PutUserPolicyInput{
				UserName:       aws.String(name),
				PolicyName:     aws.String(policyName),
				PolicyDocument: aws.String(docStr),
			})
		}
		if err != nil {
			return fmt.Errorf("restoring inline policy %s on %s: %w", policyName, name, err)
		}
	}

	return nil
}

// --- Security groups ---

// IngressRule is one revocable ingress grant. It round-trips through the
// issue details and the snapshot document as a JSON object.
type IngressRule struct {
	CIDR     string `json:"cidr"`
	Protocol string `json:"protocol"`
	FromPort int32  `json:"from_port"`
	ToPort   int32  `json:"to_port"`
}

func (e *AWSExecutor) snapshotSecurityGroup(ctx context.Context, groupID string) (models.JSONB, error) {
	out, err := e.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []string{groupID},
	})
	if err != nil {
		return nil, fmt.Errorf("describing security group %s: %w", groupID, err)
	}
	if len(out.SecurityGroups) == 0 {
		return nil, fmt.Errorf("security group %s not found", groupID)
	}

	rules := []interface{}{}
	for _, perm := range out.SecurityGroups[0].IpPermissions {
		from := aws.ToInt32(perm.FromPort)
		to := aws.ToInt32(perm.ToPort)
		proto := aws.ToString(perm.IpProtocol)
		for _, r := range perm.IpRanges {
			rules = append(rules, ruleDoc(aws.ToString(r.CidrIp), proto, from, to))
		}
		for _, r := range perm.Ipv6Ranges {
			rules = append(rules, ruleDoc(aws.ToString(r.CidrIpv6), proto, from, to))
		}
	}

	return models.JSONB{"ingress": rules}, nil
}

func (e *AWSExecutor) applySecurityGroup(ctx context.Context, issue *models.Issue, stagePercent int) error {
	rules := StageTargets(ruleList(issue.Details[DetailRevokeIngress]), stagePercent)
	if len(rules) == 0 {
		return fmt.Errorf("issue %s has no ingress rules to revoke", issue.ID)
	}

	for _, rule := range rules {
		_, err := e.ec2Client.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
			GroupId:       aws.String(issue.ComponentID),
			IpPermissions: []ec2types.IpPermission{ipPermission(rule)},
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("revoking %s %s %d-%d on %s: %w",
				rule.CIDR, rule.Protocol, rule.FromPort, rule.ToPort, issue.ComponentID, err)
		}
		e.logger.Info("revoked ingress rule",
			"group_id", issue.ComponentID,
			"cidr", rule.CIDR,
			"from_port", rule.FromPort,
			"to_port", rule.ToPort)
	}

	return nil
}

func (e *AWSExecutor) rollbackSecurityGroup(ctx context.Context, groupID string, snapshot models.JSONB) error {
	for _, rule := range ruleList(snapshot["ingress"]) {
		_, err := e.ec2Client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: []ec2types.IpPermission{ipPermission(rule)},
		})
		if err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("restoring ingress %s on %s: %w", rule.CIDR, groupID, err)
		}
	}
	return nil
}

func ipPermission(rule IngressRule) ec2types.IpPermission {
	perm := ec2types.IpPermission{
		IpProtocol: aws.String(rule.Protocol),
		FromPort:   aws.Int32(rule.FromPort),
		ToPort:     aws.Int32(rule.ToPort),
	}
	if strings.Contains(rule.CIDR, ":") {
		perm.Ipv6Ranges = []ec2types.Ipv6Range{{CidrIpv6: aws.String(rule.CIDR)}}
	} else {
		perm.IpRanges = []ec2types.IpRange{{CidrIp: aws.String(rule.CIDR)}}
	}
	return perm
}

// --- S3 ---

func (e *AWSExecutor) snapshotBucket(ctx context.Context, bucket string) (models.JSONB, error) {
	out, err := e.s3Client.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		if isNotFound(err) {
			return models.JSONB{"public_access_block": nil}, nil
		}
		return nil, fmt.Errorf("reading public access block for %s: %w", bucket, err)
	}

	cfg := out.PublicAccessBlockConfiguration
	return models.JSONB{
		"public_access_block": map[string]interface{}{
			"block_public_acls":       aws.ToBool(cfg.BlockPublicAcls),
			"ignore_public_acls":      aws.ToBool(cfg.IgnorePublicAcls),
			"block_public_policy":     aws.ToBool(cfg.BlockPublicPolicy),
			"restrict_public_buckets": aws.ToBool(cfg.RestrictPublicBuckets),
		},
	}, nil
}

func (e *AWSExecutor) applyBucket(ctx context.Context, issue *models.Issue) error {
	bucket := bucketName(issue)
	_, err := e.s3Client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(bucket),
		PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("blocking public access on %s: %w", bucket, err)
	}

	e.logger.Info("blocked public access", "bucket", bucket)
	return nil
}

func (e *AWSExecutor) rollbackBucket(ctx context.Context, bucket string, snapshot models.JSONB) error {
	saved, ok := snapshot["public_access_block"].(map[string]interface{})
	if !ok {
		// No block existed before the change.
		_, err := e.s3Client.DeletePublicAccessBlock(ctx, &s3.DeletePublicAccessBlockInput{
			Bucket: aws.String(bucket),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("removing public access block from %s: %w", bucket, err)
		}
		return nil
	}

	_, err := e.s3Client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(bucket),
		PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(boolValue(saved["block_public_acls"])),
			IgnorePublicAcls:      aws.Bool(boolValue(saved["ignore_public_acls"])),
			BlockPublicPolicy:     aws.Bool(boolValue(saved["block_public_policy"])),
			RestrictPublicBuckets: aws.Bool(boolValue(saved["restrict_public_buckets"])),
		},
	})
	if err != nil {
		return fmt.Errorf("restoring public access block on %s: %w", bucket, err)
	}
	return nil
}

// --- helpers ---

// StageTargets returns the prefix of targets a rollout stage covers. Every
// stage always covers at least one target, and 100 covers all of them.
func StageTargets[T any](targets []T, stagePercent int) []T {
	if stagePercent >= 100 || len(targets) == 0 {
		return targets
	}
	n := len(targets) * stagePercent / 100
	if n < 1 {
		n = 1
	}
	return targets[:n]
}

func bucketName(issue *models.Issue) string {
	// Buckets are identified by ARN; the name is what the API wants.
	return strings.TrimPrefix(issue.ComponentID, "arn:aws:s3:::")
}

func stringList(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func ruleList(v interface{}) []IngressRule {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]IngressRule, 0, len(items))
	for _, item := range items {
		doc, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		rule := IngressRule{
			CIDR:     stringValue(doc["cidr"]),
			Protocol: stringValue(doc["protocol"]),
			FromPort: int32Value(doc["from_port"]),
			ToPort:   int32Value(doc["to_port"]),
		}
		if rule.CIDR != "" {
			out = append(out, rule)
		}
	}
	return out
}

func ruleDoc(cidr, protocol string, from, to int32) map[string]interface{} {
	return map[string]interface{}{
		"cidr":      cidr,
		"protocol":  protocol,
		"from_port": float64(from),
		"to_port":   float64(to),
	}
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

func boolValue(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func int32Value(v interface{}) int32 {
	switch n := v.(type) {
	case float64:
		return int32(n)
	case int:
		return int32(n)
	case int32:
		return n
	}
	return 0
}

func isNotFound(err error) bool {
	var nse *iamtypes.NoSuchEntityException
	if errors.As(err, &nse) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchEntity", "NotFound", "NoSuchBucket", "NoSuchPublicAccessBlockConfiguration",
			"InvalidGroup.NotFound", "InvalidPermission.NotFound":
			return true
		}
	}
	return false
}

func isAlreadyExists(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "EntityAlreadyExists", "InvalidPermission.Duplicate":
			return true
		}
	}
	return false
}
