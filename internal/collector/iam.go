package collector

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/saferemediate/lpe/internal/evidence"
	"github.com/saferemediate/lpe/internal/models"
)

// collectIdentities walks IAM roles and users and builds one evidence
// record per principal: the allowed grant from attached and inline
// policies, and the used count from the CloudTrail index when available.
func (c *Collector) collectIdentities(ctx context.Context, usage *usageIndex, usageAvailable bool) ([]evidence.Record, error) {
	var records []evidence.Record

	roles, err := c.collectRoles(ctx, usage, usageAvailable)
	if err != nil {
		return nil, err
	}
	records = append(records, roles...)

	users, err := c.collectUsers(ctx, usage, usageAvailable)
	if err != nil {
		return nil, err
	}
	records = append(records, users...)

	return records, nil
}

func (c *Collector) collectRoles(ctx context.Context, usage *usageIndex, usageAvailable bool) ([]evidence.Record, error) {
	var records []evidence.Record

	paginator := iam.NewListRolesPaginator(c.iamClient, &iam.ListRolesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing roles: %w", err)
		}

		for _, role := range page.Roles {
			name := aws.ToString(role.RoleName)

			rec := evidence.Record{
				ResourceID:   aws.ToString(role.Arn),
				ResourceType: models.ResourceTypeIAMRole,
				Name:         name,
				AccountID:    c.accountID,
				Region:       c.cfg.Region,
			}

			if doc, err := ParsePolicyDocument(aws.ToString(role.AssumeRolePolicyDocument)); err == nil {
				for _, stmt := range doc.Statements {
					rec.TrustedPrincipals = append(rec.TrustedPrincipals, stmt.Principals...)
				}
			}

			if err := c.fillGrant(ctx, &rec, name, true); err != nil {
				c.logger.Warn("reading role policies", "role", name, "error", err)
			}

			c.fillUsage(&rec, name, usage, usageAvailable)
			rec.WhyNow = whyNowFor(usage, usageAvailable, rec.ResourceID, name)

			records = append(records, rec)
		}
	}

	return records, nil
}

func (c *Collector) collectUsers(ctx context.Context, usage *usageIndex, usageAvailable bool) ([]evidence.Record, error) {
	var records []evidence.Record

	paginator := iam.NewListUsersPaginator(c.iamClient, &iam.ListUsersInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing users: %w", err)
		}

		for _, user := range page.Users {
			name := aws.ToString(user.UserName)

			rec := evidence.Record{
				ResourceID:   aws.ToString(user.Arn),
				ResourceType: models.ResourceTypeIAMUser,
				Name:         name,
				AccountID:    c.accountID,
				Region:       c.cfg.Region,
			}

			if err := c.fillGrant(ctx, &rec, name, false); err != nil {
				c.logger.Warn("reading user policies", "user", name, "error", err)
			}

			mfa, err := c.iamClient.ListMFADevices(ctx, &iam.ListMFADevicesInput{
				UserName: aws.String(name),
			})
			if err == nil {
				rec.MFAEnabled = len(mfa.MFADevices) > 0
			}

			c.fillUsage(&rec, name, usage, usageAvailable)
			rec.WhyNow = whyNowFor(usage, usageAvailable, rec.ResourceID, name)

			records = append(records, rec)
		}
	}

	return records, nil
}

// fillGrant resolves the principal's attached and inline policies into the
// allowed side of the record.
func (c *Collector) fillGrant(ctx context.Context, rec *evidence.Record, name string, isRole bool) error {
	docs, policyNames, err := c.principalPolicies(ctx, name, isRole)
	if err != nil {
		return err
	}
	rec.PolicyNames = policyNames

	seen := make(map[string]bool)
	for _, doc := range docs {
		for _, action := range doc.AllowedActions() {
			if seen[action] {
				continue
			}
			seen[action] = true

			resource := "*"
			if resources := doc.ResourcesFor(action); len(resources) > 0 {
				resource = resources[0]
			}
			rec.Permissions = append(rec.Permissions, evidence.Permission{
				Action:   action,
				Resource: resource,
			})
		}
	}
	rec.AllowedCount = len(rec.Permissions)

	return nil
}

func (c *Collector) principalPolicies(ctx context.Context, name string, isRole bool) ([]*PolicyDocument, []string, error) {
	var docs []*PolicyDocument
	var policyNames []string

	var attachedARNs []string
	if isRole {
		paginator := iam.NewListAttachedRolePoliciesPaginator(c.iamClient, &iam.ListAttachedRolePoliciesInput{
			RoleName: aws.String(name),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("listing attached role policies: %w", err)
			}
			for _, p := range page.AttachedPolicies {
				attachedARNs = append(attachedARNs, aws.ToString(p.PolicyArn))
				policyNames = append(policyNames, aws.ToString(p.PolicyName))
			}
		}
	} else {
		paginator := iam.NewListAttachedUserPoliciesPaginator(c.iamClient, &iam.ListAttachedUserPoliciesInput{
			UserName: aws.String(name),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("listing attached user policies: %w", err)
			}
			for _, p := range page.AttachedPolicies {
				attachedARNs = append(attachedARNs, aws.ToString(p.PolicyArn))
				policyNames = append(policyNames, aws.ToString(p.PolicyName))
			}
		}
	}

	for _, arn := range attachedARNs {
		doc, err := c.managedPolicyDocument(ctx, arn)
		if err != nil {
			c.logger.Warn("reading managed policy", "arn", arn, "error", err)
			continue
		}
		docs = append(docs, doc)
	}

	inline, err := c.inlinePolicyDocuments(ctx, name, isRole)
	if err != nil {
		return nil, nil, err
	}
	for policyName, doc := range inline {
		policyNames = append(policyNames, policyName)
		docs = append(docs, doc)
	}

	return docs, policyNames, nil
}

func (c *Collector) managedPolicyDocument(ctx context.Context, policyARN string) (*PolicyDocument, error) {
	policy, err := c.iamClient.GetPolicy(ctx, &iam.GetPolicyInput{
		PolicyArn: aws.String(policyARN),
	})
	if err != nil {
		return nil, fmt.Errorf("getting policy: %w", err)
	}

	version, err := c.iamClient.GetPolicyVersion(ctx, &iam.GetPolicyVersionInput{
		PolicyArn: aws.String(policyARN),
		VersionId: policy.Policy.DefaultVersionId,
	})
	if err != nil {
		return nil, fmt.Errorf("getting policy version: %w", err)
	}

	return ParsePolicyDocument(aws.ToString(version.PolicyVersion.Document))
}

func (c *Collector) inlinePolicyDocuments(ctx context.Context, name string, isRole bool) (map[string]*PolicyDocument, error) {
	docs := make(map[string]*PolicyDocument)

	if isRole {
		paginator := iam.NewListRolePoliciesPaginator(c.iamClient, &iam.ListRolePoliciesInput{
			RoleName: aws.String(name),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("listing inline role policies: %w", err)
			}
			for _, policyName := range page.PolicyNames {
				out, err := c.iamClient.GetRolePolicy(ctx, &iam.GetRolePolicyInput{
					RoleName:   aws.String(name),
					PolicyName: aws.String(policyName),
				})
				if err != nil {
					c.logger.Warn("reading inline policy", "policy", policyName, "error", err)
					continue
				}
				doc, err := ParsePolicyDocument(aws.ToString(out.PolicyDocument))
				if err != nil {
					continue
				}
				docs[policyName] = doc
			}
		}
		return docs, nil
	}

	paginator := iam.NewListUserPoliciesPaginator(c.iamClient, &iam.ListUserPoliciesInput{
		UserName: aws.String(name),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing inline user policies: %w", err)
		}
		for _, policyName := range page.PolicyNames {
			out, err := c.iamClient.GetUserPolicy(ctx, &iam.GetUserPolicyInput{
				UserName:   aws.String(name),
				PolicyName: aws.String(policyName),
			})
			if err != nil {
				c.logger.Warn("reading inline policy", "policy", policyName, "error", err)
				continue
			}
			doc, err := ParsePolicyDocument(aws.ToString(out.PolicyDocument))
			if err != nil {
				continue
			}
			docs[policyName] = doc
		}
	}

	return docs, nil
}

// fillUsage sets the used side of the record. Without CloudTrail the record
// keeps SourceAvailable false and the engine reports the usage leg UNKNOWN.
func (c *Collector) fillUsage(rec *evidence.Record, identityName string, usage *usageIndex, usageAvailable bool) {
	if !usageAvailable || usage == nil {
		return
	}
	rec.SourceAvailable = true
	if count, ok := usage.actionCount(identityName); ok {
		rec.UsedCount = count
	}
	rec.CoveragePercent = 100
}

func whyNowFor(usage *usageIndex, usageAvailable bool, keys ...string) string {
	if !usageAvailable || usage == nil {
		return ""
	}
	for _, key := range keys {
		if note := usage.whyNow(key); note != "" {
			return note
		}
	}
	return ""
}
