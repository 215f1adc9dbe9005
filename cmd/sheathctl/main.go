package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/server"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/swarm"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/config"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			usage()
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) < 2 {
		return errUsage
	}
	switch args[0] + " " + args[1] {
	case "bundle validate":
		return runBundleValidate(args[2:], out)
	case "policy evaluate":
		return runPolicyEvaluate(args[2:], out)
	case "policy compile":
		return runPolicyCompile(args[2:], out)
	case "profile build":
		return runProfileBuild(args[2:], out)
	case "swarm run":
		return runSwarmRun(args[2:], out)
	}
	return errUsage
}

// runBundleValidate checks the schema and then applies the bundle to an
// in-memory control plane so dangling references surface as well.
func runBundleValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("bundle validate", flag.ContinueOnError)
	file := fs.String("file", envOr("BUNDLE_PATH", ""), "bundle yaml file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	app, err := offlineApp(*file)
	if err != nil {
		return err
	}
	defer app.Close()
	b, _ := config.LoadBundle(*file)
	fmt.Fprintf(out, "ok: %d gateways, %d bindings, %d tools, %d rules, %d kill switches\n",
		len(b.Gateways), len(b.Bindings), len(b.Tools), len(b.Rules), len(b.KillSwitches))
	ctx := context.Background()
	gws, err := app.Gateways.List(ctx, "")
	if err != nil {
		return err
	}
	for _, gw := range gws {
		bound, err := app.Bindings.ListForGateway(ctx, gw.ID)
		if err != nil {
			return err
		}
		tools, err := app.Catalog.ListForGateway(ctx, gw.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "gateway %s: %d workspaces, %d tools\n", gw.ID, len(bound), len(tools))
	}
	return nil
}

func runPolicyEvaluate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("policy evaluate", flag.ContinueOnError)
	file := fs.String("bundle", envOr("BUNDLE_PATH", ""), "bundle yaml file")
	workspace := fs.String("workspace", "", "workspace id")
	roles := fs.String("roles", "member", "comma separated caller roles")
	tool := fs.String("tool", "", "tool name")
	action := fs.String("action", "", "tool action")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workspace == "" || *tool == "" {
		return errors.New("--workspace and --tool are required")
	}
	app, err := offlineApp(*file)
	if err != nil {
		return err
	}
	defer app.Close()
	decision, err := app.Policy.Evaluate(context.Background(), *workspace, splitList(*roles), *tool, *action)
	if err != nil {
		return err
	}
	return printJSON(out, decision)
}

func runPolicyCompile(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("policy compile", flag.ContinueOnError)
	file := fs.String("bundle", envOr("BUNDLE_PATH", ""), "bundle yaml file")
	workspace := fs.String("workspace", "", "workspace id")
	gateway := fs.String("gateway", "", "gateway id (defaults to the workspace binding)")
	agent := fs.String("agent", "", "agent id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workspace == "" {
		return errors.New("--workspace is required")
	}
	app, err := offlineApp(*file)
	if err != nil {
		return err
	}
	defer app.Close()
	ctx := context.Background()
	gatewayID := *gateway
	if gatewayID == "" {
		binding, err := app.Bindings.GetForWorkspace(ctx, *workspace)
		if err != nil {
			return err
		}
		gatewayID = binding.GatewayID
	}
	compiled, err := app.Policy.Compile(ctx, *workspace, gatewayID, *agent, app.Catalog)
	if err != nil {
		return err
	}
	return printJSON(out, compiled)
}

func runProfileBuild(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("profile build", flag.ContinueOnError)
	agent := fs.String("agent", "", "agent id")
	role := fs.String("role", string(model.RoleCoordinator), "coordinator|researcher|executor|reviewer|custom")
	workspace := fs.String("workspace", "", "workspace id")
	allow := fs.String("allow", "", "comma separated extra allowed tools or groups")
	deny := fs.String("deny", "", "comma separated extra denied tools or groups")
	spawn := fs.String("spawn", "", "comma separated agent ids this agent may spawn")
	if err := fs.Parse(args); err != nil {
		return err
	}
	profile, err := swarm.BuildAgentProfile(swarm.ProfileInput{
		AgentID:           *agent,
		Role:              model.AgentRole(*role),
		WorkspaceID:       *workspace,
		CustomAllow:       splitList(*allow),
		CustomDeny:        splitList(*deny),
		AllowSpawnTargets: splitList(*spawn),
	})
	if err != nil {
		return err
	}
	return printJSON(out, profile)
}

func offlineApp(bundlePath string) (*server.App, error) {
	if strings.TrimSpace(bundlePath) == "" {
		return nil, errors.New("bundle file required")
	}
	return server.Build(context.Background(), &config.Config{
		StoreBackend:   config.StoreMemory,
		AuditBackend:   config.AuditStore,
		BundlePath:     bundlePath,
		SwarmMaxFanOut: swarm.DefaultFanOutCeiling,
		ServiceName:    "sheathctl",
	})
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func printJSON(out io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func usage() {
	fmt.Fprint(os.Stderr, `sheathctl - opensheath control plane CLI

Usage:
  sheathctl bundle validate --file bundle.yaml
  sheathctl policy evaluate --bundle bundle.yaml --workspace <id> --tool <name> [--roles a,b] [--action x]
  sheathctl policy compile --bundle bundle.yaml --workspace <id> [--gateway <id>] [--agent <id>]
  sheathctl profile build --agent <id> --role <role> [--workspace <id>] [--allow a,b] [--deny c] [--spawn id]
  sheathctl swarm run --bundle bundle.yaml --plan plan.json [--timeout 30s]

Environment:
  BUNDLE_PATH  default bundle file
`)
}
