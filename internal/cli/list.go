package cli

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maren/evmount/internal/system"
	"github.com/maren/evmount/internal/ui"
)

// ListCommand shows currently mounted evidence images
type ListCommand struct {
	ctx  *GlobalContext
	json bool
}

// evidenceMount is one row of the list output.
type evidenceMount struct {
	Device     string `json:"device"`
	MountPoint string `json:"mount_point"`
	Filesystem string `json:"filesystem"`
	Size       string `json:"size,omitempty"`
}

// NewListCommand creates the list command
func NewListCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &ListCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "list",
		Short: "List mounted evidence images",
		Long:  `List every filesystem currently mounted under the evidence pool base.`,
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().BoolVarP(&cmd.json, "json", "j", false, "JSON output")

	return cobraCmd
}

// Run executes the list command
func (c *ListCommand) Run(cmd *cobra.Command, args []string) error {
	mounts, err := c.activeMounts()
	if err != nil {
		return err
	}

	if len(mounts) == 0 {
		fmt.Println("No evidence images mounted")
		return nil
	}

	if c.json {
		return ui.PrintJSON(mounts)
	}

	table := ui.NewTable("DEVICE", "MOUNT", "FS", "SIZE")
	for _, m := range mounts {
		table.AddRow(m.Device, m.MountPoint, m.Filesystem, m.Size)
	}
	table.Print()
	return nil
}

// activeMounts parses /proc/mounts for entries under the pool base and
// the snapshot root.
func (c *ListCommand) activeMounts() ([]evidenceMount, error) {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return nil, fmt.Errorf("cannot read mount table: %w", err)
	}

	roots := []string{c.ctx.Config.PoolBase, c.ctx.Config.VSSRoot}

	var mounts []evidenceMount
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		target := fields[1]
		for _, root := range roots {
			if !strings.HasPrefix(target, root+"/") {
				continue
			}
			m := evidenceMount{
				Device:     fields[0],
				MountPoint: target,
				Filesystem: fields[2],
			}
			if size, err := system.GetAvailableSpace(target); err == nil {
				m.Size = system.FormatSize(size)
			}
			mounts = append(mounts, m)
			break
		}
	}
	return mounts, nil
}
