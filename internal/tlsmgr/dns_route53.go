package tlsmgr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
)

// Route53Adapter manages challenge TXT records in a Route 53 hosted zone.
// Credentials come from the default AWS chain (env, shared config, IMDS).
type Route53Adapter struct {
	client       *route53.Client
	hostedZoneID string
}

func NewRoute53Adapter(ctx context.Context, hostedZoneID string) (*Route53Adapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("route53: load aws config: %w", err)
	}
	return &Route53Adapter{
		client:       route53.NewFromConfig(cfg),
		hostedZoneID: hostedZoneID,
	}, nil
}

func (a *Route53Adapter) Name() string { return "route53" }

// VerifyCredentials exercises the credential chain with a read call: the
// configured zone when one is set, otherwise any zone listing.
func (a *Route53Adapter) VerifyCredentials(ctx context.Context) error {
	var err error
	if a.hostedZoneID != "" {
		_, err = a.client.GetHostedZone(ctx, &route53.GetHostedZoneInput{
			Id: aws.String(a.hostedZoneID),
		})
	} else {
		_, err = a.client.ListHostedZones(ctx, &route53.ListHostedZonesInput{
			MaxItems: aws.Int32(1),
		})
	}
	if err != nil {
		return fmt.Errorf("route53: verify credentials: %w", err)
	}
	return nil
}

func (a *Route53Adapter) CreateTXT(ctx context.Context, fqdn, value string) error {
	return a.change(ctx, types.ChangeActionUpsert, fqdn, value)
}

func (a *Route53Adapter) DeleteTXT(ctx context.Context, fqdn, value string) error {
	return a.change(ctx, types.ChangeActionDelete, fqdn, value)
}

func (a *Route53Adapter) change(ctx context.Context, action types.ChangeAction, fqdn, value string) error {
	zoneID, err := a.zoneID(ctx, fqdn)
	if err != nil {
		return err
	}

	out, err := a.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{{
				Action: action,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name: aws.String(fqdn),
					Type: types.RRTypeTxt,
					TTL:  aws.Int64(60),
					ResourceRecords: []types.ResourceRecord{
						{Value: aws.String(fmt.Sprintf("%q", value))},
					},
				},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("route53: %s %s: %w", strings.ToLower(string(action)), fqdn, err)
	}
	if action == types.ChangeActionDelete {
		return nil
	}
	return a.waitInsync(ctx, aws.ToString(out.ChangeInfo.Id))
}

// waitInsync polls until the change propagates to all Route 53 name
// servers so the ACME server's resolvers see the record.
func (a *Route53Adapter) waitInsync(ctx context.Context, changeID string) error {
	ticker := time.NewTicker(4 * time.Second)
	defer ticker.Stop()
	deadline := time.Now().Add(2 * time.Minute)

	for {
		out, err := a.client.GetChange(ctx, &route53.GetChangeInput{Id: aws.String(changeID)})
		if err != nil {
			return fmt.Errorf("route53: get change: %w", err)
		}
		if out.ChangeInfo.Status == types.ChangeStatusInsync {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("route53: change %s not INSYNC before deadline", changeID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// zoneID resolves the hosted zone, preferring the configured id and
// otherwise walking suffixes of the record name.
func (a *Route53Adapter) zoneID(ctx context.Context, fqdn string) (string, error) {
	if a.hostedZoneID != "" {
		return a.hostedZoneID, nil
	}

	name := strings.TrimSuffix(fqdn, ".")
	labels := strings.Split(name, ".")
	for i := 0; i < len(labels)-1; i++ {
		candidate := strings.Join(labels[i:], ".") + "."
		out, err := a.client.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{
			DNSName:  aws.String(candidate),
			MaxItems: aws.Int32(1),
		})
		if err != nil {
			return "", fmt.Errorf("route53: list zones: %w", err)
		}
		for _, z := range out.HostedZones {
			if aws.ToString(z.Name) == candidate {
				return strings.TrimPrefix(aws.ToString(z.Id), "/hostedzone/"), nil
			}
		}
	}
	return "", fmt.Errorf("route53: no hosted zone found for %s", fqdn)
}
