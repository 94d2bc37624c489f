package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/meridian-mesh/meridian/pkg/config"
	"github.com/meridian-mesh/meridian/pkg/identity"
)

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the node identity",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the node ID and certificate, generating keys on first run",
		Args:  cobra.NoArgs,
		Run:   runIdentityShow,
	}
	showCmd.Flags().String("dir", "", "Node data directory")

	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Reissue the node certificate with a fresh validity window",
		Args:  cobra.NoArgs,
		Run:   runIdentityRotate,
	}
	rotateCmd.Flags().String("dir", "", "Node data directory")

	cmd.AddCommand(showCmd, rotateCmd)
	return cmd
}

func loadIdentity(cmd *cobra.Command) *identity.Node {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		log.Fatal("--dir is required")
	}

	ident, err := identity.LoadOrGenerate(dir, config.DefaultCertValidity, time.Now())
	if err != nil {
		log.Fatalf("failed to load identity: %v", err)
	}
	return ident
}

func runIdentityShow(cmd *cobra.Command, _ []string) {
	ident := loadIdentity(cmd)
	renderIdentity(cmd, ident)
}

func runIdentityRotate(cmd *cobra.Command, _ []string) {
	ident := loadIdentity(cmd)
	if _, err := ident.Rotate(time.Now()); err != nil {
		log.Fatalf("failed to rotate certificate: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "certificate reissued")
	renderIdentity(cmd, ident)
}

func renderIdentity(cmd *cobra.Command, ident *identity.Node) {
	cert := ident.Certificate()

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("245")).PaddingRight(2)
	dataStyle := lipgloss.NewStyle().PaddingRight(2)

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return headerStyle
			}
			return dataStyle
		})

	t.Row("ID", ident.ID().String())
	t.Row("Public key", hex.EncodeToString(ident.PublicKey()))
	t.Row("Issuer", cert.Issuer.String())
	t.Row("Not before", cert.NotBefore.Format(time.RFC3339))
	t.Row("Not after", cert.NotAfter.Format(time.RFC3339))

	fmt.Fprintln(cmd.OutOrStdout(), t)
}
