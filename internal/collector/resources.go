package collector

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/saferemediate/lpe/internal/evidence"
	"github.com/saferemediate/lpe/internal/models"
)

func (c *Collector) collectSecurityGroups(ctx context.Context) ([]evidence.Record, error) {
	var records []evidence.Record

	paginator := ec2.NewDescribeSecurityGroupsPaginator(c.ec2Client, &ec2.DescribeSecurityGroupsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describing security groups: %w", err)
		}

		for _, sg := range page.SecurityGroups {
			rec := evidence.Record{
				ResourceID:   aws.ToString(sg.GroupId),
				ResourceType: models.ResourceTypeSecurityGroup,
				Name:         aws.ToString(sg.GroupName),
				AccountID:    c.accountID,
				Region:       c.cfg.Region,
			}

			for _, rule := range sg.IpPermissions {
				from := int(aws.ToInt32(rule.FromPort))
				to := int(aws.ToInt32(rule.ToPort))
				// FromPort -1 or absent means all ports for the protocol.
				if rule.FromPort == nil || from < 0 {
					from, to = 0, 65535
				}

				for _, ipRange := range rule.IpRanges {
					rec.IngressCIDRs = append(rec.IngressCIDRs, aws.ToString(ipRange.CidrIp))
					rec.Ports = append(rec.Ports, evidence.PortRange{From: from, To: to})
				}
				for _, ipRange := range rule.Ipv6Ranges {
					rec.IngressCIDRs = append(rec.IngressCIDRs, aws.ToString(ipRange.CidrIpv6))
					rec.Ports = append(rec.Ports, evidence.PortRange{From: from, To: to})
				}
			}

			rec.AllowedCount = len(rec.IngressCIDRs)

			records = append(records, rec)
		}
	}

	return records, nil
}

func (c *Collector) collectBuckets(ctx context.Context, usage *usageIndex, usageAvailable bool) ([]evidence.Record, error) {
	output, err := c.s3Client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}

	var records []evidence.Record
	for _, bucket := range output.Buckets {
		name := aws.ToString(bucket.Name)

		rec := evidence.Record{
			ResourceID:   fmt.Sprintf("arn:aws:s3:::%s", name),
			ResourceType: models.ResourceTypeS3Bucket,
			Name:         name,
			AccountID:    c.accountID,
			Encrypted:    c.bucketEncrypted(ctx, name),
			PublicAccess: c.bucketPublic(ctx, name),
		}

		rec.WhyNow = whyNowFor(usage, usageAvailable, name, rec.ResourceID)

		records = append(records, rec)
	}

	return records, nil
}

func (c *Collector) bucketEncrypted(ctx context.Context, bucketName string) bool {
	output, err := c.s3Client.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil || output.ServerSideEncryptionConfiguration == nil {
		return false
	}

	for _, rule := range output.ServerSideEncryptionConfiguration.Rules {
		def := rule.ApplyServerSideEncryptionByDefault
		if def == nil {
			continue
		}
		// SSE-KMS with a disabled key is not effective encryption.
		if keyID := aws.ToString(def.KMSMasterKeyID); keyID != "" {
			return c.kmsKeyEnabled(ctx, keyID)
		}
		return true
	}

	return false
}

func (c *Collector) kmsKeyEnabled(ctx context.Context, keyID string) bool {
	output, err := c.kmsClient.DescribeKey(ctx, &kms.DescribeKeyInput{
		KeyId: aws.String(keyID),
	})
	if err != nil || output.KeyMetadata == nil {
		return false
	}
	return output.KeyMetadata.Enabled
}

func (c *Collector) bucketPublic(ctx context.Context, bucketName string) bool {
	pab, err := c.s3Client.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{
		Bucket: aws.String(bucketName),
	})
	if err == nil && pab.PublicAccessBlockConfiguration != nil {
		cfg := pab.PublicAccessBlockConfiguration
		if aws.ToBool(cfg.BlockPublicPolicy) && aws.ToBool(cfg.BlockPublicAcls) &&
			aws.ToBool(cfg.IgnorePublicAcls) && aws.ToBool(cfg.RestrictPublicBuckets) {
			return false
		}
	}

	policy, err := c.s3Client.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		// No policy attached.
		return false
	}

	doc, err := ParsePolicyDocument(aws.ToString(policy.Policy))
	if err != nil {
		return false
	}
	return doc.IsPublic()
}

func (c *Collector) collectFunctions(ctx context.Context) ([]evidence.Record, error) {
	var records []evidence.Record

	paginator := lambda.NewListFunctionsPaginator(c.lambdaClient, &lambda.ListFunctionsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing functions: %w", err)
		}

		for _, fn := range page.Functions {
			name := aws.ToString(fn.FunctionName)

			rec := evidence.Record{
				ResourceID:   aws.ToString(fn.FunctionArn),
				ResourceType: models.ResourceTypeLambda,
				Name:         name,
				AccountID:    c.accountID,
				Region:       c.cfg.Region,
				Encrypted:    aws.ToString(fn.KMSKeyArn) != "",
			}

			if role := aws.ToString(fn.Role); role != "" {
				rec.TrustedPrincipals = append(rec.TrustedPrincipals, role)
			}

			rec.PublicAccess = c.functionPublic(ctx, name)

			records = append(records, rec)
		}
	}

	return records, nil
}

func (c *Collector) functionPublic(ctx context.Context, functionName string) bool {
	output, err := c.lambdaClient.GetPolicy(ctx, &lambda.GetPolicyInput{
		FunctionName: aws.String(functionName),
	})
	if err != nil {
		// No resource policy attached.
		return false
	}

	doc, err := ParsePolicyDocument(aws.ToString(output.Policy))
	if err != nil {
		return false
	}
	return doc.IsPublic()
}
