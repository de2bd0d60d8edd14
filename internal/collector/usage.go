package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cloudtrailTypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
)

// usageIndex summarizes CloudTrail activity inside the lookback window,
// keyed by the acting identity name.
type usageIndex struct {
	// actions counts distinct service:Action pairs each identity invoked.
	actions map[string]map[string]int
	// lastChange records the most recent write event touching a resource,
	// keyed by resource name. Feeds the why_now annotation.
	lastChange map[string]changeEvent
}

type changeEvent struct {
	EventName string
	Username  string
	At        time.Time
}

func (u *usageIndex) actionCount(identity string) (int, bool) {
	actions, ok := u.actions[identity]
	if !ok {
		return 0, false
	}
	return len(actions), true
}

func (u *usageIndex) whyNow(resourceName string) string {
	change, ok := u.lastChange[resourceName]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s by %s on %s", change.EventName, change.Username, change.At.Format("2006-01-02"))
}

// collectUsage pages through CloudTrail for the configured window and
// builds the per-identity action index.
func (c *Collector) collectUsage(ctx context.Context) (*usageIndex, error) {
	idx := &usageIndex{
		actions:    make(map[string]map[string]int),
		lastChange: make(map[string]changeEvent),
	}

	since := time.Now().Add(-c.cfg.UsageWindow)

	input := &cloudtrail.LookupEventsInput{
		StartTime:  aws.Time(since),
		EndTime:    aws.Time(time.Now()),
		MaxResults: aws.Int32(int32(c.cfg.LookupPageSize)),
	}

	paginator := cloudtrail.NewLookupEventsPaginator(c.cloudtrailClient, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("looking up cloudtrail events: %w", err)
		}

		for _, event := range page.Events {
			username := aws.ToString(event.Username)
			if username == "" {
				continue
			}

			action := qualifiedAction(aws.ToString(event.EventSource), aws.ToString(event.EventName))
			if idx.actions[username] == nil {
				idx.actions[username] = make(map[string]int)
			}
			idx.actions[username][action]++

			if aws.ToString(event.ReadOnly) == "false" {
				at := aws.ToTime(event.EventTime)
				for _, resource := range event.Resources {
					name := aws.ToString(resource.ResourceName)
					if name == "" {
						continue
					}
					if prev, ok := idx.lastChange[name]; !ok || at.After(prev.At) {
						idx.lastChange[name] = changeEvent{
							EventName: aws.ToString(event.EventName),
							Username:  username,
							At:        at,
						}
					}
				}
			}
		}
	}

	return idx, nil
}

// recentWrites returns the write events that touched a resource since the
// given time, newest first capped at limit.
func (c *Collector) recentWrites(ctx context.Context, resourceName string, since time.Time, limit int) ([]changeEvent, error) {
	input := &cloudtrail.LookupEventsInput{
		StartTime: aws.Time(since),
		EndTime:   aws.Time(time.Now()),
		LookupAttributes: []cloudtrailTypes.LookupAttribute{
			{
				AttributeKey:   cloudtrailTypes.LookupAttributeKeyResourceName,
				AttributeValue: aws.String(resourceName),
			},
		},
	}

	var events []changeEvent
	paginator := cloudtrail.NewLookupEventsPaginator(c.cloudtrailClient, input)

	for paginator.HasMorePages() && len(events) < limit {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("looking up events for %s: %w", resourceName, err)
		}

		for _, event := range page.Events {
			if aws.ToString(event.ReadOnly) != "false" {
				continue
			}
			events = append(events, changeEvent{
				EventName: aws.ToString(event.EventName),
				Username:  aws.ToString(event.Username),
				At:        aws.ToTime(event.EventTime),
			})
			if len(events) >= limit {
				break
			}
		}
	}

	return events, nil
}

// qualifiedAction turns "s3.amazonaws.com" + "GetObject" into "s3:GetObject"
// so usage counts line up with IAM action names.
func qualifiedAction(eventSource, eventName string) string {
	service := strings.TrimSuffix(eventSource, ".amazonaws.com")
	if service == "" {
		return eventName
	}
	return service + ":" + eventName
}
