package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"k8s.io/cli-runtime/pkg/resource"

	"github.com/deepliif/mlops/internal/cli/resources"
)

// GetCmd handles the get command
type GetCmd struct {
	registry *resources.Registry
	output   outputOptions
}

// NewGetCommand creates a new get command
func NewGetCommand() *cobra.Command {
	g := &GetCmd{registry: resources.DefaultRegistry()}

	cmd := &cobra.Command{
		Use:   "get [resource] [name...]",
		Short: "Display one or many resources",
		Long:  g.getLongDescription(),
		RunE:  g.run,
	}
	g.output.addFlags(cmd)

	return cmd
}

func (g *GetCmd) getLongDescription() string {
	return fmt.Sprintf(`Display one or many resources.

Prints a table of the most important information about the specified resources.
You can filter the list using optional names or ids.

Available resources: %s

Examples:
  # List the deployment metadata entries
  mlops get configs

  # Show one entry by model asset id or deployment name
  mlops get config/deepliif

  # List the monitoring subscriptions with their monitors
  mlops get subscriptions -o wide

  # List the data assets of the space as YAML
  mlops get assets -o yaml`, strings.Join(g.registry.List(), ", "))
}

func (g *GetCmd) run(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("you must specify the type of resource to get. Available resources: %s",
			strings.Join(g.registry.List(), ", "))
	}

	resourceType, names, err := parseResourceArgs(args)
	if err != nil {
		return err
	}

	res, ok := g.registry.Get(resourceType)
	if !ok {
		return fmt.Errorf("unknown resource type: %s. Available resources: %s",
			resourceType, strings.Join(g.registry.List(), ", "))
	}

	s, err := session(cmd)
	if err != nil {
		return err
	}
	return listResource(cmd, sessionSource{s}, res, names, &g.output)
}

// parseResourceArgs parses command arguments supporting both "resource name" and "resource/name" formats
func parseResourceArgs(args []string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("no arguments provided")
	}

	first := args[0]
	if strings.Contains(first, "/") {
		parts := strings.Split(first, "/")
		if len(parts) != 2 {
			return "", nil, fmt.Errorf("arguments in resource/name form may not have more than one slash")
		}
		if parts[0] == "" || parts[1] == "" {
			return "", nil, fmt.Errorf("arguments in resource/name form must have a single resource and name")
		}
		if len(args) > 1 {
			return "", nil, fmt.Errorf("there is no need to specify additional arguments when using resource/name form")
		}
		return strings.ToLower(parts[0]), resource.SplitResourceArgument(parts[1]), nil
	}

	var names []string
	for _, arg := range args[1:] {
		names = append(names, resource.SplitResourceArgument(arg)...)
	}
	return strings.ToLower(first), names, nil
}
