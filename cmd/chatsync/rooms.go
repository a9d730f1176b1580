package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/umar/chatsync/internal/models"
)

func init() {
	rootCmd.AddCommand(roomsCmd)
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List your rooms with unread counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		s, err := openSession(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer s.Close()
		go s.sync.Run(ctx)

		if err := s.sync.LoadRooms(ctx); err != nil {
			return err
		}
		rooms, err := s.sync.Rooms(ctx)
		if err != nil {
			return err
		}
		total, err := s.sync.TotalUnread(ctx)
		if err != nil {
			return err
		}
		printRooms(cmd.OutOrStdout(), rooms, "", total)
		return nil
	},
}

func roomName(r models.Room) string {
	switch {
	case r.Name != "":
		return r.Name
	case r.OtherUser != nil:
		return "@" + r.OtherUser.DisplayName
	}
	return r.ID
}

func printRooms(w io.Writer, rooms []models.Room, active string, total int) {
	if len(rooms) == 0 {
		fmt.Fprintln(w, "no rooms")
		return
	}
	for _, r := range rooms {
		marker := " "
		if r.ID == active {
			marker = "*"
		}
		line := fmt.Sprintf("%s %-24s %s", marker, roomName(r), r.ID)
		if r.UnreadCount > 0 {
			line += fmt.Sprintf("  (%d unread)", r.UnreadCount)
		}
		fmt.Fprintln(w, line)
	}
	if total > 0 {
		fmt.Fprintf(w, "%d unread\n", total)
	}
}
