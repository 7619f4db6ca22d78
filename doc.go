/*
Package mlops deploys and monitors the DeepLIIF model on the analytics platform.

Usage:

	mlops [command]

Available Commands:

	prepare     Upload the model and its dependencies and record them in the deployment metadata
	config      Manage the deployment metadata
	deploy      Manage inference deployments
	monitor     Manage the monitoring of deployments
	get         Display one or many resources
	kernel      Run the inference kernel
	provider    Run the custom metrics provider
	version     Print the version

Examples:

	# Stage a model and its dependency bundle
	mlops prepare stage --path-yml entry.yml --path-model model/ --path-dependency dependency/

	# Deploy the staged model
	mlops deploy create --name deepliif --model-asset-id <id> --custom-arg tile_size=512

	# Subscribe the deployment to the monitoring service
	mlops monitor create --name deepliif

	# Show the latest evaluation of every monitor
	mlops monitor status --name deepliif

Settings come from mlops.yaml in the working directory (or --config) and from
the environment. USER_ACCESS_TOKEN, or USERNAME and APIKEY, and SPACE_ID are
required by every command that talks to the platform.
*/
package mlops
