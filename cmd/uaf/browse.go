package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/uaf"
	"github.com/edgeo-scada/uaf/ua"
)

var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Browse the address space of OPC UA servers",
	Long: `Browse nodes in the OPC UA server address space. References that point
to another server are followed on that server when --depth is above 1.

Examples:
  uaf browse -e opc.tcp://localhost:4840
  uaf browse -e opc.tcp://localhost:4840 -n "i=85" --depth 3
  uaf browse -d opc.tcp://lds:4840 -S urn:plant:line1 -n "ns=2;s=Pump" --direction both`,
	RunE: runBrowse,
}

var (
	browseNodeID    string
	browsePath      string
	browseDirection string
	browseDepth     int
	browseMaxRefs   uint32
)

func init() {
	browseCmd.Flags().StringVarP(&browseNodeID, "node", "n", "i=84", "Node ID to browse from (default: Root)")
	browseCmd.Flags().StringVar(&browsePath, "path", "", "Relative path from the node")
	browseCmd.Flags().StringVar(&browseDirection, "direction", "forward", "Browse direction: forward, inverse, both")
	browseCmd.Flags().IntVar(&browseDepth, "depth", 1, "Browse depth (1 = immediate children only)")
	browseCmd.Flags().Uint32Var(&browseMaxRefs, "max-refs", 0, "Maximum references per node and call (0 = server decides)")
}

func parseDirection(s string) (ua.BrowseDirection, error) {
	switch strings.ToLower(s) {
	case "forward":
		return ua.BrowseDirectionForward, nil
	case "inverse":
		return ua.BrowseDirectionInverse, nil
	case "both":
		return ua.BrowseDirectionBoth, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s", s)
	}
}

func runBrowse(cmd *cobra.Command, args []string) error {
	direction, err := parseDirection(browseDirection)
	if err != nil {
		return err
	}
	addr, err := targetAddress(browseNodeID, browsePath)
	if err != nil {
		return fmt.Errorf("invalid node ID: %w", err)
	}

	client, err := newClient()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer closeClient(client)

	ctx, cancel := commandContext()
	defer cancel()

	fmt.Printf("Browsing from: %s\n", addr)
	fmt.Printf("Direction: %s\n\n", browseDirection)
	return browseLevel(ctx, client, []uaf.Address{addr}, direction, 1)
}

func browseLevel(ctx context.Context, c *uaf.Client, addrs []uaf.Address, dir ua.BrowseDirection, depth int) error {
	req := &uaf.BrowseRequest{Targets: make([]uaf.BrowseTarget, len(addrs))}
	for i, a := range addrs {
		req.Targets[i] = uaf.BrowseTarget{Address: a, Direction: dir, IncludeSubtypes: true}
	}
	if browseMaxRefs > 0 {
		req.Service = &uaf.ServiceSettings{MaxReferencesPerNode: browseMaxRefs}
	}
	res, err := c.Browse(ctx, req)
	if err != nil {
		return fmt.Errorf("browse failed: %w", err)
	}

	indent := strings.Repeat("  ", depth-1)
	var next []uaf.Address
	for i, t := range res.Targets {
		refs := t.References
		if t.Err == nil && len(t.ContinuationPoint) > 0 {
			refs = append(refs, browseRemaining(ctx, c, t)...)
		}
		fmt.Printf("%s%s", indent, addrs[i])
		if t.Err != nil {
			fmt.Printf(": %v\n", t.Err)
			continue
		}
		fmt.Printf(" (%d references)\n", len(refs))
		for _, ref := range refs {
			fmt.Printf("%s  - %s\n", indent, ref.DisplayName.Text)
			fmt.Printf("%s    NodeID:     %s\n", indent, ref.NodeID)
			fmt.Printf("%s    NodeClass:  %s\n", indent, ref.NodeClass)
			fmt.Printf("%s    BrowseName: %s\n", indent, ref.BrowseName)
			if !ref.TypeDefinition.NodeID.IsNull() {
				fmt.Printf("%s    TypeDef:    %s\n", indent, ref.TypeDefinition)
			}
			if depth < browseDepth && ref.IsForward {
				id := ref.NodeID
				if id.IsLocal() {
					id.ServerURI = t.ServerURI
				}
				next = append(next, uaf.NewAddress(id))
			}
		}
	}
	fmt.Println()

	if len(next) == 0 {
		return nil
	}
	return browseLevel(ctx, c, next, dir, depth+1)
}

// browseRemaining follows a continuation point left over after the
// automatic BrowseNext calls.
func browseRemaining(ctx context.Context, c *uaf.Client, t uaf.BrowseResultTarget) []ua.ReferenceDescription {
	var refs []ua.ReferenceDescription
	cp := t.ContinuationPoint
	for len(cp) > 0 {
		res, err := c.BrowseNext(ctx, &uaf.BrowseNextRequest{
			Targets: []uaf.BrowseNextTarget{{ConnectionID: t.ConnectionID, ContinuationPoint: cp}},
		})
		if err != nil || res.Targets[0].Err != nil {
			break
		}
		refs = append(refs, res.Targets[0].References...)
		cp = res.Targets[0].ContinuationPoint
	}
	return refs
}
