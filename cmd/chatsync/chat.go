package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations create
	convCreateTitle   string
	convCreateGroup   bool
	convCreateMembers string

	// participants add
	partAddRole string

	// send
	sendAttachment string
)

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

func titleOf(c chatsync.Conversation) string {
	if c.Title == nil {
		return "(untitled)"
	}
	return *c.Title
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "List the conversations of the acting profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		defer client.Close()
		profile, err := profileID(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		convs, err := client.Conversations.List(ctx, profile)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if flagJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			kind := "direct"
			if c.IsGroup {
				kind = "group"
			}
			fmt.Printf("  %s  %-6s %s\n", c.ID.Value(), kind, titleOf(c))
		}
		return nil
	},
}

var conversationsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a conversation with the acting profile as admin",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		defer client.Close()
		profile, err := profileID(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		in := chatsync.NewConversation{
			CreatorID: profile,
			IsGroup:   convCreateGroup,
			Members:   splitList(convCreateMembers),
		}
		if convCreateTitle != "" {
			in.Title = &convCreateTitle
		}
		conv, err := client.Conversations.Create(ctx, in).Wait(ctx)
		if errors.Is(err, chatsync.ErrPartialFailure) {
			return fmt.Errorf("conversation created but not every member was added: %w", err)
		}
		if err != nil {
			return fmt.Errorf("create failed: %w", err)
		}
		if flagJSON {
			return printJSON(conv)
		}
		fmt.Printf("Conversation created: %s\n", conv.ID.Value())
		return nil
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a direct conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := commandContext()
		defer cancel()

		id := chatsync.Confirmed(args[0])
		// Load it first so group conversations are refused locally.
		if _, err := client.Conversations.Get(ctx, id); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if _, err := client.Conversations.Delete(ctx, id).Wait(ctx); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Conversation %s deleted\n", args[0])
		return nil
	},
}

// ============================================================================
// participants
// ============================================================================

var participantsCmd = &cobra.Command{
	Use:   "participants <conversation-id>",
	Short: "List the participants of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := commandContext()
		defer cancel()

		parts, err := client.Participants.List(ctx, chatsync.Confirmed(args[0]))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if flagJSON {
			return printJSON(parts)
		}
		for _, p := range parts {
			fmt.Printf("  %-24s %-6s joined %s\n", p.ProfileID, p.Role, p.JoinedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var participantsAddCmd = &cobra.Command{
	Use:   "add <conversation-id> <profile-id>",
	Short: "Add a profile to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := commandContext()
		defer cancel()

		p, err := client.Participants.Add(ctx, chatsync.Confirmed(args[0]), args[1], chatsync.Role(partAddRole)).Wait(ctx)
		if err != nil {
			return fmt.Errorf("add failed: %w", err)
		}
		fmt.Printf("Added %s to %s as %s\n", p.ProfileID, p.ConversationID.Value(), p.Role)
		return nil
	},
}

var participantsRemoveCmd = &cobra.Command{
	Use:   "remove <conversation-id> <profile-id>",
	Short: "Remove a profile from a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := commandContext()
		defer cancel()

		if _, err := client.Participants.Remove(ctx, chatsync.Confirmed(args[0]), args[1]).Wait(ctx); err != nil {
			return fmt.Errorf("remove failed: %w", err)
		}
		fmt.Printf("Removed %s from %s\n", args[1], args[0])
		return nil
	},
}

// ============================================================================
// messages / send / read / unread
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "List the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := commandContext()
		defer cancel()

		msgs, err := client.Messages.List(ctx, chatsync.Confirmed(args[0]))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if flagJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format(time.RFC3339), m.SenderID, m.Content)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message as the acting profile",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		defer client.Close()
		profile, err := profileID(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		msg, err := client.Messages.Send(ctx, chatsync.NewMessage{
			ConversationID: chatsync.Confirmed(args[0]),
			SenderID:       profile,
			Content:        args[1],
			AttachmentURL:  sendAttachment,
		}).Wait(ctx)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if flagJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to conversation %s\n", msg.ConversationID.Value())
		fmt.Printf("  Message ID: %s\n", msg.ID.Value())
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark every message of a conversation read by the acting profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		defer client.Close()
		profile, err := profileID(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		conv := chatsync.Confirmed(args[0])
		if _, err := client.Messages.List(ctx, conv); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		changed, err := client.Messages.MarkRead(ctx, conv, profile).Wait(ctx)
		if err != nil {
			return fmt.Errorf("mark read failed: %w", err)
		}
		fmt.Printf("Marked %d message(s) read\n", len(changed))
		return nil
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread counts for the acting profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		defer client.Close()
		profile, err := profileID(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		counts, err := client.Messages.Unread(ctx, profile)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if flagJSON {
			return printJSON(counts)
		}
		fmt.Printf("Unread: %d\n", counts.Total)
		for conv, n := range counts.PerConversation {
			if n > 0 {
				fmt.Printf("  %s  %d\n", conv, n)
			}
		}
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCreateCmd.Flags().StringVar(&convCreateTitle, "title", "", "Conversation title")
	conversationsCreateCmd.Flags().BoolVar(&convCreateGroup, "group", false, "Create a group conversation")
	conversationsCreateCmd.Flags().StringVar(&convCreateMembers, "members", "", "Comma-separated list of member profile IDs")
	conversationsCmd.AddCommand(conversationsCreateCmd, conversationsDeleteCmd)

	participantsAddCmd.Flags().StringVar(&partAddRole, "role", string(chatsync.RoleMember), "Role: member or admin")
	participantsCmd.AddCommand(participantsAddCmd, participantsRemoveCmd)

	sendCmd.Flags().StringVar(&sendAttachment, "attachment", "", "Attachment URL")

	rootCmd.AddCommand(conversationsCmd, participantsCmd, messagesCmd, sendCmd, readCmd, unreadCmd)
}
