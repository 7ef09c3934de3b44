package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/scanorc/pkg/types"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage detection templates",
}

var templateUploadCmd = &cobra.Command{
	Use:   "upload TEMPLATE_FILE",
	Short: "Upload a template, idempotent by content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read template file: %w", err)
		}
		severity, _ := cmd.Flags().GetString("declared-severity")

		templateID, err := apiClient(cmd).UploadTemplate(cmd.Context(), body, types.Severity(severity))
		if err != nil {
			return err
		}
		fmt.Println(templateID)
		return nil
	},
}

func init() {
	templateUploadCmd.Flags().String("declared-severity", string(types.SeverityMedium), "Severity this template's author declares")
	templateCmd.AddCommand(templateUploadCmd)
}
