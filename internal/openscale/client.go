// Package openscale is a thin client for the model monitoring service.
package openscale

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"

	"github.com/deepliif/mlops/internal/cpd"
)

var (
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrAmbiguous is returned when a lookup by name matches several
	// resources.
	ErrAmbiguous = errors.New("multiple matches")
)

const (
	// ServiceTypeCustom is the service type of a headless custom provider.
	ServiceTypeCustom = "custom_machine_learning"
	// CustomMetricsProvider is the integrated system type of a custom
	// metrics endpoint.
	CustomMetricsProvider = "custom_metrics_provider"
	// TargetSubscription targets a monitor at a subscription.
	TargetSubscription = "subscription"
)

// Client talks to the monitoring service of one data mart.
type Client struct {
	api        *cpd.Client
	dataMartID string
	// settle is how long to wait after deleting a definition that is about
	// to be recreated.
	settle time.Duration
}

// NewClient creates a monitoring client.
func NewClient(api *cpd.Client, dataMartID string) *Client {
	return &Client{api: api, dataMartID: dataMartID, settle: 3 * time.Second}
}

// DataMartID returns the data mart the client works on.
func (c *Client) DataMartID() string {
	return c.dataMartID
}

func (c *Client) path(p string) string {
	return "/openscale/" + c.dataMartID + "/v2" + p
}

func (c *Client) get(ctx context.Context, p string, out any, query url.Values) error {
	return c.api.DoJSON(ctx, http.MethodGet, c.path(p), out, cpd.Query(query))
}

func (c *Client) post(ctx context.Context, p string, body, out any) error {
	return c.api.DoJSON(ctx, http.MethodPost, c.path(p), out,
		cpd.JSONBody(body), cpd.Accept(http.StatusOK, http.StatusCreated, http.StatusAccepted))
}

func (c *Client) delete(ctx context.Context, p string) error {
	_, err := c.api.Do(ctx, http.MethodDelete, c.path(p),
		cpd.Accept(http.StatusOK, http.StatusAccepted, http.StatusNoContent))
	return err
}

// ServiceProviders lists the registered service providers.
func (c *Client) ServiceProviders(ctx context.Context) ([]ServiceProvider, error) {
	var out struct {
		ServiceProviders []ServiceProvider `json:"service_providers"`
	}
	if err := c.get(ctx, "/service_providers", &out, nil); err != nil {
		return nil, fmt.Errorf("failed to list service providers: %w", err)
	}
	return out.ServiceProviders, nil
}

// ServiceProviderOptions describe a new service provider.
type ServiceProviderOptions struct {
	Name        string
	Description string
	// OperationalStage is "production" or "pre_production".
	OperationalStage string
	Overwrite        bool
}

// CreateServiceProvider registers a headless custom service provider. When
// providers with the same name exist their ids are returned, unless
// Overwrite is set, which deletes them first.
func (c *Client) CreateServiceProvider(ctx context.Context, opts ServiceProviderOptions) ([]string, error) {
	providers, err := c.ServiceProviders(ctx)
	if err != nil {
		return nil, err
	}

	var existing []string
	for _, p := range providers {
		if p.Entity.Name == opts.Name && p.Entity.ServiceType == ServiceTypeCustom {
			existing = append(existing, p.Metadata.ID)
		}
	}
	log.Debug("found existing service providers", "name", opts.Name, "count", len(existing))

	if len(existing) > 0 {
		if !opts.Overwrite {
			return existing, nil
		}
		for _, id := range existing {
			if err := c.DeleteServiceProvider(ctx, id); err != nil {
				return nil, err
			}
		}
	}

	stage := opts.OperationalStage
	if stage == "" {
		stage = "production"
	}

	var created ServiceProvider
	err = c.post(ctx, "/service_providers", map[string]any{
		"name":                 opts.Name,
		"description":          opts.Description,
		"service_type":         ServiceTypeCustom,
		"operational_space_id": stage,
		"credentials":          map[string]any{},
	}, &created)
	if err != nil {
		return nil, fmt.Errorf("failed to create service provider %s: %w", opts.Name, err)
	}

	log.Info("created service provider", "name", opts.Name, "id", created.Metadata.ID)
	return []string{created.Metadata.ID}, nil
}

// DeleteServiceProvider removes a service provider.
func (c *Client) DeleteServiceProvider(ctx context.Context, id string) error {
	if err := c.delete(ctx, "/service_providers/"+id); err != nil {
		return fmt.Errorf("failed to delete service provider %s: %w", id, err)
	}
	log.Info("deleted service provider", "id", id)
	return nil
}

// IntegratedSystems lists the integrated systems.
func (c *Client) IntegratedSystems(ctx context.Context) ([]IntegratedSystem, error) {
	var out struct {
		IntegratedSystems []IntegratedSystem `json:"integrated_systems"`
	}
	if err := c.get(ctx, "/integrated_systems", &out, nil); err != nil {
		return nil, fmt.Errorf("failed to list integrated systems: %w", err)
	}
	return out.IntegratedSystems, nil
}

// CreateMetricsProvider registers endpoint as a custom metrics provider
// and returns the integrated system id.
func (c *Client) CreateMetricsProvider(ctx context.Context, name, description, endpoint string) (string, error) {
	var created IntegratedSystem
	err := c.post(ctx, "/integrated_systems", map[string]any{
		"name":        name,
		"description": description,
		"type":        CustomMetricsProvider,
		"credentials": map[string]any{"auth_type": "bearer", "token_info": map[string]any{}},
		"connection": map[string]any{
			"display_name": name,
			"endpoint":     endpoint,
		},
	}, &created)
	if err != nil {
		return "", fmt.Errorf("failed to create integrated system %s: %w", name, err)
	}
	return created.Metadata.ID, nil
}

// DeleteIntegratedSystem removes the custom metrics providers named name.
// Integrated systems of any other type are left alone.
func (c *Client) DeleteIntegratedSystem(ctx context.Context, name string) error {
	systems, err := c.IntegratedSystems(ctx)
	if err != nil {
		return err
	}

	for _, s := range systems {
		if s.Entity.Type != CustomMetricsProvider || s.Entity.Name != name {
			continue
		}
		if err := c.delete(ctx, "/integrated_systems/"+s.Metadata.ID); err != nil {
			return fmt.Errorf("failed to delete integrated system %s: %w", name, err)
		}
		log.Info("deleted integrated system", "name", name, "id", s.Metadata.ID)
	}
	return nil
}

// Subscriptions lists the subscriptions.
func (c *Client) Subscriptions(ctx context.Context) ([]Subscription, error) {
	var out struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	if err := c.get(ctx, "/subscriptions", &out, nil); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return out.Subscriptions, nil
}

// SubscriptionName is the subscription name used for a deployment.
func SubscriptionName(deploymentName string) string {
	return deploymentName + " Monitor"
}

// SubscriptionOptions describe a new subscription.
type SubscriptionOptions struct {
	Name              string
	ServiceProviderID string
	ModelAssetID      string
	DeploymentID      string
	DeploymentName    string
	ScoringURL        string
}

// CreateSubscription subscribes a deployment to the monitoring service and
// returns the subscription id. An existing subscription with the same name
// is returned as is.
func (c *Client) CreateSubscription(ctx context.Context, opts SubscriptionOptions) (string, error) {
	subs, err := c.Subscriptions(ctx)
	if err != nil {
		return "", err
	}
	for _, s := range subs {
		if s.Entity.Asset.Name == opts.Name {
			log.Info("found existing subscription", "name", opts.Name, "id", s.Metadata.ID)
			return s.Metadata.ID, nil
		}
	}

	var created Subscription
	err = c.post(ctx, "/subscriptions", map[string]any{
		"data_mart_id":        c.dataMartID,
		"service_provider_id": opts.ServiceProviderID,
		"asset": map[string]any{
			"asset_id":        opts.ModelAssetID,
			"name":            opts.Name,
			"asset_type":      "model",
			"input_data_type": "unstructured_image",
			"problem_type":    "multiclass",
		},
		"deployment": map[string]any{
			"deployment_id":   opts.DeploymentID,
			"name":            opts.DeploymentName,
			"deployment_type": "online",
			"scoring_endpoint": map[string]any{
				"url": opts.ScoringURL,
			},
		},
		"asset_properties": map[string]any{},
	}, &created)
	if err != nil {
		return "", fmt.Errorf("failed to create subscription %s: %w", opts.Name, err)
	}

	log.Info("created subscription", "name", opts.Name, "id", created.Metadata.ID)
	return created.Metadata.ID, nil
}

// DeleteSubscription removes a subscription by id or, when id is empty,
// every subscription whose asset is named name. It returns the deleted
// ids.
func (c *Client) DeleteSubscription(ctx context.Context, id, name string) ([]string, error) {
	if id == "" && name == "" {
		return nil, fmt.Errorf("either a subscription id or a subscription name is required")
	}

	ids := []string{id}
	if id == "" {
		subs, err := c.Subscriptions(ctx)
		if err != nil {
			return nil, err
		}
		ids = nil
		for _, s := range subs {
			if s.Entity.Asset.Name == name {
				ids = append(ids, s.Metadata.ID)
			}
		}
		log.Info("found subscriptions", "name", name, "count", len(ids))
	}

	for _, sid := range ids {
		if err := c.delete(ctx, "/subscriptions/"+sid); err != nil {
			return nil, fmt.Errorf("failed to delete subscription %s: %w", sid, err)
		}
		log.Info("deleted subscription", "id", sid)
	}
	return ids, nil
}
