// Package collector gathers the evidence snapshot from AWS: IAM grants,
// CloudTrail usage, and resource exposure. Each feed reports its own
// availability so downstream confidence can degrade instead of guessing.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/saferemediate/lpe/internal/evidence"
	"github.com/saferemediate/lpe/internal/models"
)

type Config struct {
	Region         string
	AssumeRoleARN  string
	ExternalID     string
	UsageWindow    time.Duration
	LookupPageSize int
	EstateSizeHint int
}

type Collector struct {
	cfg       Config
	accountID string
	logger    *slog.Logger

	iamClient        *iam.Client
	cloudtrailClient *cloudtrail.Client
	s3Client         *s3.Client
	ec2Client        *ec2.Client
	lambdaClient     *lambda.Client
	kmsClient        *kms.Client
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Collector, error) {
	if cfg.UsageWindow == 0 {
		cfg.UsageWindow = 30 * 24 * time.Hour
	}
	if cfg.LookupPageSize == 0 {
		cfg.LookupPageSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	if cfg.AssumeRoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		creds := stscreds.NewAssumeRoleProvider(stsClient, cfg.AssumeRoleARN, func(o *stscreds.AssumeRoleOptions) {
			if cfg.ExternalID != "" {
				o.ExternalID = aws.String(cfg.ExternalID)
			}
		})
		awsCfg.Credentials = aws.NewCredentialsCache(creds)
	}

	stsClient := sts.NewFromConfig(awsCfg)
	identity, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("getting caller identity: %w", err)
	}

	return &Collector{
		cfg:              cfg,
		accountID:        aws.ToString(identity.Account),
		logger:           logger,
		iamClient:        iam.NewFromConfig(awsCfg),
		cloudtrailClient: cloudtrail.NewFromConfig(awsCfg),
		s3Client:         s3.NewFromConfig(awsCfg),
		ec2Client:        ec2.NewFromConfig(awsCfg),
		lambdaClient:     lambda.NewFromConfig(awsCfg),
		kmsClient:        kms.NewFromConfig(awsCfg),
	}, nil
}

func (c *Collector) AccountID() string {
	return c.accountID
}

func (c *Collector) Validate(ctx context.Context) error {
	if _, err := c.iamClient.ListRoles(ctx, &iam.ListRolesInput{MaxItems: aws.Int32(1)}); err != nil {
		return fmt.Errorf("validating IAM access: %w", err)
	}
	return nil
}

// Collect assembles one evidence snapshot. A feed that errors is marked
// unavailable rather than failing the run; records that depended on it keep
// their availability flags false so the engine reports UNKNOWN instead of
// inventing numbers.
func (c *Collector) Collect(ctx context.Context) (*evidence.Snapshot, error) {
	snap := &evidence.Snapshot{
		Window:      c.cfg.UsageWindow.String(),
		GeneratedAt: time.Now().UTC(),
	}

	usage, usageErr := c.collectUsage(ctx)
	if usageErr != nil {
		c.logger.Warn("cloudtrail unavailable", "error", usageErr)
	}
	snap.Sources = append(snap.Sources, models.EvidenceSource{
		Name:      "cloudtrail",
		Available: usageErr == nil,
	})

	identities, iamErr := c.collectIdentities(ctx, usage, usageErr == nil)
	if iamErr != nil {
		c.logger.Warn("iam collection failed", "error", iamErr)
	}
	snap.Records = append(snap.Records, identities...)
	snap.Sources = append(snap.Sources, models.EvidenceSource{
		Name:      "iam",
		Available: iamErr == nil,
	})

	groups, ec2Err := c.collectSecurityGroups(ctx)
	if ec2Err != nil {
		c.logger.Warn("security group collection failed", "error", ec2Err)
	}
	snap.Records = append(snap.Records, groups...)
	snap.Sources = append(snap.Sources, models.EvidenceSource{
		Name:      "ec2",
		Available: ec2Err == nil,
	})

	buckets, s3Err := c.collectBuckets(ctx, usage, usageErr == nil)
	if s3Err != nil {
		c.logger.Warn("bucket collection failed", "error", s3Err)
	}
	snap.Records = append(snap.Records, buckets...)
	snap.Sources = append(snap.Sources, models.EvidenceSource{
		Name:      "s3",
		Available: s3Err == nil,
	})

	functions, lambdaErr := c.collectFunctions(ctx)
	if lambdaErr != nil {
		c.logger.Warn("lambda collection failed", "error", lambdaErr)
	}
	snap.Records = append(snap.Records, functions...)
	snap.Sources = append(snap.Sources, models.EvidenceSource{
		Name:      "lambda",
		Available: lambdaErr == nil,
	})

	snap.EstateSize = len(snap.Records)
	if c.cfg.EstateSizeHint > snap.EstateSize {
		snap.EstateSize = c.cfg.EstateSizeHint
	}

	c.logger.Info("evidence snapshot collected",
		"account", c.accountID,
		"records", len(snap.Records),
		"window", snap.Window)

	return snap, nil
}
