package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/clawsync/internal/server"
	"github.com/lazypower/clawsync/internal/txn"
)

// --- transaction commands ---

var (
	captureType     string
	capturePriority bool
	captureLevel    string
	captureLocation string
	extendDays      int
	mergeInto       string
)

var captureCmd = &cobra.Command{
	Use:   "capture [content]",
	Short: "Capture a new claw",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := txn.CapturePayload{
			Content:       strings.Join(args, " "),
			ContentType:   captureType,
			Priority:      capturePriority || captureLevel != "",
			PriorityLevel: captureLevel,
			LocationName:  captureLocation,
		}
		return submit(cmd, txn.TypeCapture, "", p)
	},
}

var strikeCmd = &cobra.Command{
	Use:   "strike [key]",
	Short: "Mark a claw completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, txn.TypeStrike, args[0], nil)
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release [key]",
	Short: "Let a claw go",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, txn.TypeRelease, args[0], nil)
	},
}

var extendCmd = &cobra.Command{
	Use:   "extend [key]",
	Short: "Push a claw's expiry out",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, txn.TypeExtend, args[0], txn.ExtendPayload{Days: extendDays})
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge [key]",
	Short: "Merge a claw into another",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if mergeInto == "" {
			return fmt.Errorf("--into is required")
		}
		return submit(cmd, txn.TypeMerge, args[0], txn.MergePayload{TargetKey: mergeInto})
	},
}

func submit(cmd *cobra.Command, typ txn.Type, key string, payload any) error {
	c, err := newCommandClient()
	if err != nil {
		return err
	}
	req := server.CreateRequest{Type: typ, EntityKey: key}
	if payload != nil {
		if req.Payload, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}
	var tx txn.Transaction
	if err := c.Do("POST", "/api/transactions", req, &tx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s %s (%s)\n", tx.Type, tx.EntityKey, tx.ID)
	return nil
}

// --- status commands ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending, syncing and failed counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCommandClient()
		if err != nil {
			return err
		}
		var st server.StatusResponse
		if err := c.Do("GET", "/api/status", nil, &st); err != nil {
			return err
		}
		printStatus(cmd, st)
		return nil
	},
}

func printStatus(cmd *cobra.Command, st server.StatusResponse) {
	conn := "offline"
	if st.Online {
		conn = "online"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pending %d  syncing %d  failed %d  (%s)\n", st.Pending, st.Syncing, st.Failed, conn)
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List failed transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCommandClient()
		if err != nil {
			return err
		}
		var failed []txn.Transaction
		if err := c.Do("GET", "/api/failed", nil, &failed); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(failed) == 0 {
			fmt.Fprintln(out, "No failed transactions.")
			return nil
		}
		for _, tx := range failed {
			fmt.Fprintf(out, "%s  %-7s %-9s %s\n", tx.ID, tx.Type, tx.ErrorKind, tx.EntityKey)
			if tx.LastError != "" {
				fmt.Fprintf(out, "   %s\n", tx.LastError)
			}
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Requeue a failed transaction with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCommandClient()
		if err != nil {
			return err
		}
		var tx txn.Transaction
		if err := c.Do("POST", "/api/transactions/"+url.PathEscape(args[0])+"/retry", nil, &tx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", tx.ID)
		return nil
	},
}

var discardKeep bool

var discardCmd = &cobra.Command{
	Use:   "discard [id]",
	Short: "Drop a failed transaction and roll back its local effect",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCommandClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/api/transactions/%s/discard?rollback=%t", url.PathEscape(args[0]), !discardKeep)
		if err := c.Do("POST", path, nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Dispatch every eligible transaction now",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCommandClient()
		if err != nil {
			return err
		}
		var st server.StatusResponse
		if err := c.Do("POST", "/api/flush", nil, &st); err != nil {
			return err
		}
		printStatus(cmd, st)
		return nil
	},
}

func init() {
	captureCmd.Flags().StringVarP(&captureType, "type", "t", "text", "content type: text, voice or photo")
	captureCmd.Flags().BoolVarP(&capturePriority, "priority", "p", false, "mark as priority (3 day expiry)")
	captureCmd.Flags().StringVar(&captureLevel, "level", "", "priority level: normal or high (high expires in 1 day)")
	captureCmd.Flags().StringVar(&captureLocation, "location", "", "where the claw was captured")

	extendCmd.Flags().IntVarP(&extendDays, "days", "d", txn.DefaultExtendDays, "days to extend (1-30)")
	mergeCmd.Flags().StringVar(&mergeInto, "into", "", "key of the claw to merge into")
	discardCmd.Flags().BoolVar(&discardKeep, "keep-effect", false, "keep the local change instead of rolling it back")
}
