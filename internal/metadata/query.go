package metadata

import (
	"fmt"
	"strings"
)

// hiddenPrefix marks entries kept around for testing.
const hiddenPrefix = "TEST_"

// Summary is the short view of a deployment entry used by listings.
type Summary struct {
	ModelAssetID            string `json:"model_asset_id" yaml:"model_asset_id"`
	ModelAsset              string `json:"model_asset" yaml:"model_asset"`
	DeploymentName          string `json:"deployment_name" yaml:"deployment_name"`
	OpenScaleSubscriptionID string `json:"openscale_subscription_id" yaml:"openscale_subscription_id"`
}

// Summaries returns the top-level view of every visible entry in key order.
func Summaries(entries map[string]Deployment) []Summary {
	var out []Summary
	for _, key := range SortedKeys(entries) {
		if strings.HasPrefix(key, hiddenPrefix) {
			continue
		}
		d := entries[key]
		out = append(out, Summary{
			ModelAssetID:            key,
			ModelAsset:              d.ModelAsset,
			DeploymentName:          d.WMLADeployment.DeploymentName,
			OpenScaleSubscriptionID: d.OpenScaleSubscriptionID,
		})
	}
	return out
}

// FindByDeploymentName returns the first entry, in key order, whose live
// deployment has the given name.
func FindByDeploymentName(entries map[string]Deployment, name string) (string, Deployment, error) {
	for _, key := range SortedKeys(entries) {
		if entries[key].WMLADeployment.DeploymentName == name {
			return key, entries[key], nil
		}
	}
	return "", Deployment{}, fmt.Errorf("cannot find deployment %s in %s: %w", name, DeploymentFile, ErrNotFound)
}

// FindBySubscription returns the single entry monitored by subscriptionID.
func FindBySubscription(entries map[string]Deployment, subscriptionID string) (string, Deployment, error) {
	var matches []string
	for _, key := range SortedKeys(entries) {
		if entries[key].OpenScaleSubscriptionID == subscriptionID {
			matches = append(matches, key)
		}
	}

	switch len(matches) {
	case 0:
		return "", Deployment{}, fmt.Errorf("cannot find deployment associated with subscription id %s in %s: %w", subscriptionID, DeploymentFile, ErrNotFound)
	case 1:
		return matches[0], entries[matches[0]], nil
	default:
		return "", Deployment{}, fmt.Errorf("subscription id %s is used by %s: %w", subscriptionID, strings.Join(matches, ", "), ErrAmbiguous)
	}
}

// DeploymentNameTaken reports whether another entry than key already uses
// name for its live deployment.
func DeploymentNameTaken(entries map[string]Deployment, key, name string) (string, bool) {
	for _, k := range SortedKeys(entries) {
		if k != key && entries[k].WMLADeployment.DeploymentName == name {
			return k, true
		}
	}
	return "", false
}
