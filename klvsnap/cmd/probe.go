package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/eluv-io/klvsnap/broadcastproto/mpegts"
	"github.com/eluv-io/klvsnap/broadcastproto/transport"
)

func addProbe(cmdRoot *cobra.Command, out io.Writer) {
	cmdProbe := &cobra.Command{
		Use:   "probe <video_source>",
		Short: "Probe a transport stream",
		Long:  "Print the programs, stream types and declared video size of a transport stream without decoding it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doProbe(cmd, args, out)
		},
	}
	cmdProbe.Flags().Int("max-packets", 50000, "give up after this many packets")
	cmdRoot.AddCommand(cmdProbe)
}

func doProbe(cmd *cobra.Command, args []string, out io.Writer) error {
	source, err := sourceArg(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	maxPackets, err := cmd.Flags().GetInt("max-packets")
	if err != nil {
		return fmt.Errorf("Invalid max-packets flag")
	}

	tr, err := transport.New(source, transport.Options{Interface: cfg.UDP.Interface, ReadBuffer: cfg.UDP.ReadBuffer})
	if err != nil {
		return err
	}
	rc, err := tr.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	res, err := mpegts.Probe(rc, maxPackets)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "Source: %s (%s)\n", source, tr.Handler())
	for i, info := range res.Streams {
		kind := "-"
		switch {
		case info.Video:
			kind = "video"
		case info.KLV:
			kind = "klv"
		}
		_, _ = fmt.Fprintf(out, "Stream[%d]\n", i)
		_, _ = fmt.Fprintf(out, "\tpid: %d\n", info.Pid)
		_, _ = fmt.Fprintf(out, "\tstream_type: 0x%02x\n", info.StreamType)
		_, _ = fmt.Fprintf(out, "\tdescription: %s\n", info.Description)
		_, _ = fmt.Fprintf(out, "\tkind: %s\n", kind)
	}
	if res.Width > 0 {
		_, _ = fmt.Fprintf(out, "Video: %dx%d\n", res.Width, res.Height)
	}
	_, _ = fmt.Fprintf(out, "KLV PES: %d\n", res.KlvPes)
	_, _ = fmt.Fprintf(out, "Packets: %d\n", res.Stats.PacketsReceived)
	return nil
}
