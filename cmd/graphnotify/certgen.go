package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xelth-com/graphnotify/internal/notifycrypto"
)

func newCertgenCmd() *cobra.Command {
	var certPath, keyPath, commonName string

	cmd := &cobra.Command{
		Use:   "certgen",
		Short: "Generate the self-signed encryption certificate and private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			created, err := notifycrypto.EnsureSelfSignedCertificate(certPath, keyPath, commonName)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !created {
				fmt.Fprintf(out, "certificate %s already exists, nothing to do\n", certPath)
				return nil
			}

			cert, err := notifycrypto.LoadCertificate(certPath, "")
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote %s and %s\n", certPath, keyPath)
			fmt.Fprintf(out, "subject: %s\n", cert.Subject.CommonName)
			fmt.Fprintf(out, "expires: %s\n", cert.NotAfter.UTC().Format("2006-01-02"))
			return nil
		},
	}

	cmd.Flags().StringVar(&certPath, "cert", "certificate.pem", "certificate output path")
	cmd.Flags().StringVar(&keyPath, "key", "private_key.pem", "private key output path")
	cmd.Flags().StringVar(&commonName, "cn", "graphnotify", "certificate common name")
	return cmd
}
