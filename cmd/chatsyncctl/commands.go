package main

import (
	"fmt"
	"strings"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(
		statusCmd, conversationsCmd, messagesCmd, startCmd, sendCmd, retryCmd,
		readCmd, searchCmd, syncCmd, flushCmd, rankCmd, foregroundCmd,
		backgroundCmd, networkCmd, watchCmd,
	)
	conversationsCmd.Flags().Bool("ranked", false, "order by priority instead of recency")
	conversationsCmd.Flags().Int("limit", 50, "maximum conversations to show")
	messagesCmd.Flags().Int("limit", 50, "maximum messages to show")
	startCmd.Flags().String("name", "", "group name")
	searchCmd.Flags().String("conversation", "", "restrict to one conversation")
	searchCmd.Flags().Int("limit", 20, "maximum results")
	rankCmd.Flags().Bool("refresh", false, "bypass cached remote signals")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and sync status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd, api.MethodGetStatus, nil, func(out map[string]any) {
			fmt.Printf("Profile:        %s\n", text(out, "profile"))
			fmt.Printf("User:           %s\n", text(out, "userId"))
			fmt.Printf("Status:         %s\n", text(out, "status"))
			fmt.Printf("Online:         %v\n", out["online"])
			fmt.Printf("Conversations:  %d\n", number(out, "conversations"))
			fmt.Printf("Pending:        %d\n", number(out, "pending"))
			fmt.Printf("Failed:         %d\n", number(out, "failed"))
			fmt.Printf("Listeners:      %d\n", number(out, "listeners"))
			fmt.Printf("Last full sync: %s\n", clock(number(out, "lastFullSync")))
			fmt.Printf("Uptime:         %dms\n", number(out, "uptimeMs"))
		})
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ranked, _ := cmd.Flags().GetBool("ranked")
		limit, _ := cmd.Flags().GetInt("limit")
		return call(cmd, api.MethodListConversations, map[string]any{"ranked": ranked, "limit": limit}, func(out map[string]any) {
			convs := list(out, "conversations")
			if len(convs) == 0 {
				fmt.Println("No conversations.")
				return
			}
			for _, c := range convs {
				title := text(c, "name")
				if title == "" {
					title = text(c, "id")
				}
				fmt.Printf("%-40s %3d unread  %s  %s\n", title, number(c, "unread"), clock(number(c, "lastMessageAt")), text(c, "lastMessageText"))
			}
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the latest messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return call(cmd, api.MethodListMessages, map[string]any{"conversationId": args[0], "limit": limit}, func(out map[string]any) {
			for _, m := range list(out, "messages") {
				fmt.Printf("%s  %-12s %s  [%s]\n", clock(number(m, "timestamp")), text(m, "senderName"), text(m, "text"), text(m, "syncStatus"))
			}
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start <member-id[:name]>...",
	Short: "Start a direct or group conversation",
	Long:  "Start a conversation with the given members. One member makes a direct conversation, more make a group.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		members := make([]any, len(args))
		for i, a := range args {
			id, display, _ := strings.Cut(a, ":")
			if display == "" {
				display = id
			}
			members[i] = map[string]any{"id": id, "name": display}
		}
		return call(cmd, api.MethodStartConversation, map[string]any{"name": name, "members": members}, func(out map[string]any) {
			conv, _ := out["conversation"].(map[string]any)
			fmt.Printf("Conversation %s (%s)\n", text(conv, "id"), text(conv, "kind"))
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>...",
	Short: "Queue a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := strings.Join(args[1:], " ")
		return call(cmd, api.MethodSendText, map[string]any{"conversationId": args[0], "text": body}, func(out map[string]any) {
			m, _ := out["message"].(map[string]any)
			fmt.Printf("Queued %s\n", text(m, "id"))
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <message-id>",
	Short: "Re-arm a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, api.MethodRetryMessage, map[string]any{"messageId": args[0]}, func(map[string]any) {
			fmt.Printf("Retrying %s\n", args[0])
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, api.MethodMarkRead, map[string]any{"conversationId": args[0]}, func(out map[string]any) {
			fmt.Printf("Marked %d messages read\n", number(out, "marked"))
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search local messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, _ := cmd.Flags().GetString("conversation")
		limit, _ := cmd.Flags().GetInt("limit")
		req := map[string]any{"query": strings.Join(args, " "), "conversationId": conv, "limit": limit}
		return call(cmd, api.MethodSearch, req, func(out map[string]any) {
			results := list(out, "results")
			if len(results) == 0 {
				fmt.Println("No matches.")
				return
			}
			for _, r := range results {
				m, _ := r["message"].(map[string]any)
				fmt.Printf("%s  %s  %s\n", text(m, "conversationId"), clock(number(m, "timestamp")), text(r, "snippet"))
			}
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a full sync",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd, api.MethodFullSync, nil, func(out map[string]any) {
			fmt.Printf("Synced %d conversations, %d messages\n", number(out, "conversations"), number(out, "messages"))
		})
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Deliver queued messages now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd, api.MethodFlush, nil, func(out map[string]any) {
			fmt.Printf("Sent %d, retrying %d, failed %d, deferred %d\n",
				number(out, "sent"), number(out, "retrying"), number(out, "failed"), number(out, "deferred"))
			if e := text(out, "error"); e != "" {
				fmt.Printf("Errors: %s\n", e)
			}
		})
	},
}

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Rank conversations by priority",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")
		return call(cmd, api.MethodRank, map[string]any{"refresh": refresh}, func(out map[string]any) {
			for i, s := range list(out, "scores") {
				fmt.Printf("%2d. %-40s %5.1f (local %5.1f)\n", i+1, text(s, "conversationId"), s["final"], s["local"])
			}
		})
	},
}

var foregroundCmd = &cobra.Command{
	Use:   "foreground",
	Short: "Tell the daemon the UI is visible",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd, api.MethodSetForeground, map[string]any{"foreground": true}, func(map[string]any) {
			fmt.Println("Foreground")
		})
	},
}

var backgroundCmd = &cobra.Command{
	Use:   "background",
	Short: "Tell the daemon the UI is hidden",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd, api.MethodSetForeground, map[string]any{"foreground": false}, func(map[string]any) {
			fmt.Println("Background")
		})
	},
}

var networkCmd = &cobra.Command{
	Use:       "network <online|offline>",
	Short:     "Report a connectivity change",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"online", "offline"},
	RunE: func(cmd *cobra.Command, args []string) error {
		online := args[0] == "online"
		return call(cmd, api.MethodSetNetwork, map[string]any{"online": online}, func(map[string]any) {
			fmt.Printf("Reported %s\n", args[0])
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [prefix]",
	Short: "Stream daemon events",
	Long:  "Stream daemon events until interrupted, optionally only those whose kind starts with prefix (e.g. \"outbox.\").",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		c, err := connect()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()
		return c.Watch(cmd.Context(), prefix, func(evt map[string]any) bool {
			if jsonFlag {
				outputJSON(evt)
				return true
			}
			fmt.Printf("%s  %-24s %v\n", clock(number(evt, "occurredAtMs")), text(evt, "kind"), evt["payload"])
			return true
		})
	},
}
