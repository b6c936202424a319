package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openperimeter/sdpc/internal/config"
	"github.com/openperimeter/sdpc/internal/credentials"
	"github.com/openperimeter/sdpc/internal/directory"
)

var generateFlags struct {
	outDir string
}

var generateCmd = &cobra.Command{
	Use:   "generate <sdp-id>",
	Short: "Generate credentials for a member out of band",
	Long: `Generate a fresh certificate, key, and SPA key pair for a member
and persist the rotation in the directory. Use this to bootstrap a
member that cannot yet connect, or to recover one whose credentials
expired.

Writes <sdp-id>.crt, <sdp-id>.key, and <sdp-id>.spa_keys to the
output directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVar(&generateFlags.outDir, "out", ".", "directory to write credential files to")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	sdpID, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid SDP id %q: %w", args[0], err)
	}

	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return err
	}

	store, err := directory.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer store.Close()

	ctx := context.Background()

	member, err := store.MemberBySDPID(ctx, uint32(sdpID))
	if err != nil {
		return fmt.Errorf("look up member %d: %w", sdpID, err)
	}

	ca, err := credentials.NewLocalCA(cfg.CACert, cfg.CAKey)
	if err != nil {
		return fmt.Errorf("load CA: %w", err)
	}
	maker := credentials.NewMaker(ca, cfg.EncryptionKeyLen, cfg.HMACKeyLen,
		cfg.DaysToExpiration, logger.Named("credentials"))

	creds, err := maker.Rotate(ctx, credentials.Subject{
		CommonName: args[0],
		Country:    member.Subject.Country,
		State:      member.Subject.State,
		Locality:   member.Subject.Locality,
		Org:        member.Subject.Org,
		OrgUnit:    member.Subject.OrgUnit,
		Email:      member.Subject.Email,
		Serial:     member.Subject.Serial,
	})
	if err != nil {
		return fmt.Errorf("generate credentials: %w", err)
	}

	if err := store.UpdateMemberKeys(ctx, member.SDPID,
		creds.EncryptionKeyBase64, creds.HMACKeyBase64,
		creds.Updated, creds.Expires); err != nil {
		return fmt.Errorf("store rotated keys: %w", err)
	}

	base := filepath.Join(generateFlags.outDir, args[0])
	spaKeys := fmt.Sprintf("SPA_ENCRYPTION_KEY_BASE64 %s\nSPA_HMAC_KEY_BASE64 %s\n",
		creds.EncryptionKeyBase64, creds.HMACKeyBase64)

	files := []struct {
		path string
		data string
		mode os.FileMode
	}{
		{base + ".crt", creds.TLSCert, 0o644},
		{base + ".key", creds.TLSKey, 0o600},
		{base + ".spa_keys", spaKeys, 0o600},
	}
	for _, f := range files {
		if err := os.WriteFile(f.path, []byte(f.data), f.mode); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
	}

	fmt.Printf("Wrote %s.crt, %s.key, %s.spa_keys (valid until %s)\n",
		base, base, base, creds.Expires.Format("2006-01-02"))
	return nil
}
