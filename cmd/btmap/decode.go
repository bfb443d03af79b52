package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.io/infrasutra/btmap/internal/bmsg"
)

type contactSummary struct {
	Name   string   `json:"name,omitempty"`
	Phones []string `json:"phones,omitempty"`
	Emails []string `json:"emails,omitempty"`
}

type messageSummary struct {
	Version     string           `json:"version"`
	Type        bmsg.Type        `json:"type"`
	Folder      string           `json:"folder"`
	Read        bool             `json:"read"`
	Charset     string           `json:"charset,omitempty"`
	Encoding    string           `json:"encoding,omitempty"`
	Originators []contactSummary `json:"originators,omitempty"`
	Recipients  []contactSummary `json:"recipients,omitempty"`
	Subject     string           `json:"subject,omitempty"`
	Text        string           `json:"text,omitempty"`
	PDUs        []string         `json:"pdus,omitempty"`
	Parts       []string         `json:"parts,omitempty"`
}

func newDecodeCmd() *cobra.Command {
	var native bool
	cmd := &cobra.Command{
		Use:   "decode FILE",
		Short: "Decode a bMessage file and print a summary",
		Long:  "Decode a bMessage and print a summary. Use - to read standard input.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			charset := bmsg.CharsetUTF8
			if native {
				charset = bmsg.CharsetNative
			}
			msg, err := bmsg.Decode(r, charset)
			if err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			summary := summarize(msg)

			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}
			fmt.Fprintf(out, "Type:     %s (bMessage %s)\n", summary.Type, summary.Version)
			fmt.Fprintf(out, "Folder:   %s\n", summary.Folder)
			fmt.Fprintf(out, "Read:     %t\n", summary.Read)
			for _, c := range summary.Originators {
				fmt.Fprintf(out, "From:     %s\n", contactLine(c))
			}
			for _, c := range summary.Recipients {
				fmt.Fprintf(out, "To:       %s\n", contactLine(c))
			}
			if summary.Subject != "" {
				fmt.Fprintf(out, "Subject:  %s\n", summary.Subject)
			}
			for i, p := range summary.PDUs {
				fmt.Fprintf(out, "PDU %d:    %s\n", i+1, p)
			}
			for _, p := range summary.Parts {
				fmt.Fprintf(out, "Part:     %s\n", p)
			}
			if summary.Text != "" {
				fmt.Fprintf(out, "\n%s\n", summary.Text)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&native, "native", false, "SMS bodies are hex encoded PDUs")
	return cmd
}

func summarize(msg *bmsg.Message) messageSummary {
	s := messageSummary{
		Version:  msg.Version,
		Type:     msg.Type,
		Folder:   msg.Folder,
		Read:     msg.Read,
		Charset:  msg.Charset,
		Encoding: msg.Encoding,
	}
	for _, v := range msg.Originators {
		s.Originators = append(s.Originators, summarizeContact(v))
	}
	for _, v := range msg.Recipients {
		s.Recipients = append(s.Recipients, summarizeContact(v))
	}

	switch p := msg.Payload.(type) {
	case *bmsg.SMS:
		s.Text = p.Text
		for _, d := range p.PDUs {
			s.PDUs = append(s.PDUs, bmsg.PDUEncodingName(d))
		}
	case *bmsg.Email:
		content, err := p.Parse()
		if err != nil {
			s.Text = p.Body
			break
		}
		s.Subject = content.Subject
		s.Text = content.TextBody
		for _, a := range content.Attachments {
			s.Parts = append(s.Parts, fmt.Sprintf("%s %s (%d bytes)", a.ContentType, a.Filename, len(a.Data)))
		}
	case *bmsg.MIME:
		s.Subject = p.Subject
		s.Text = p.Text()
		for _, part := range p.Parts {
			s.Parts = append(s.Parts, fmt.Sprintf("%s %s (%d bytes)", part.ContentType, part.Filename, len(part.Data)))
		}
	}
	return s
}

func summarizeContact(v bmsg.VCard) contactSummary {
	name := v.FormattedName
	if name == "" {
		name = v.Name
	}
	return contactSummary{Name: name, Phones: v.Phones, Emails: v.Emails}
}

func contactLine(c contactSummary) string {
	addrs := append(append([]string{}, c.Phones...), c.Emails...)
	if c.Name == "" {
		return strings.Join(addrs, ", ")
	}
	if len(addrs) == 0 {
		return c.Name
	}
	return fmt.Sprintf("%s <%s>", c.Name, strings.Join(addrs, ", "))
}
