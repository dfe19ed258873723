package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/eluv-io/log-go"

	"github.com/eluv-io/klvsnap/broadcastproto/mpegts"
	"github.com/eluv-io/klvsnap/broadcastproto/transport"
	"github.com/eluv-io/klvsnap/klv"
)

func addKlv(cmdRoot *cobra.Command, out io.Writer) {
	cmdKlv := &cobra.Command{
		Use:   "klv <video_source>",
		Short: "Dump KLV metadata",
		Long:  "Decode the MISB ST 0601 metadata of a transport stream and print one JSON object per packet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doKlv(cmd, args, out)
		},
	}
	cmdKlv.Flags().Int("limit", 0, "stop after this many packets, 0 for no limit")
	cmdRoot.AddCommand(cmdKlv)
}

// klvRecord is one line of `klvsnap klv` output.
type klvRecord struct {
	Pts      uint64        `json:"pts"`
	LocalSet *klv.LocalSet `json:"local_set"`
	Lat      *float64      `json:"lat_deg,omitempty"`
	Lon      *float64      `json:"lon_deg,omitempty"`
	Alt      *float64      `json:"alt_m,omitempty"`
}

func doKlv(cmd *cobra.Command, args []string, out io.Writer) error {
	source, err := sourceArg(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return fmt.Errorf("Invalid limit flag")
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

	enc := json.NewEncoder(out)
	count := 0
	var pts uint64
	var encErr error

	parser := klv.NewParser()
	parser.OnSet = func(ls *klv.LocalSet) {
		if encErr != nil {
			return
		}
		rec := klvRecord{Pts: pts, LocalSet: ls}
		if pos, ok := ls.Position(); ok {
			lat, lon, alt := ls.SensorLatitude, ls.SensorLongitude, pos.Alt
			rec.Lat, rec.Lon, rec.Alt = lat, lon, &alt
		}
		encErr = enc.Encode(&rec)
		count++
	}

	demux := mpegts.NewDemuxer()
	demux.OnKLV = func(payload []byte, p uint64) {
		pts = p
		parser.Feed(payload)
	}

	pr := mpegts.NewPacketReader(rc)
	for limit <= 0 || count < limit {
		pkt, err := pr.Next()
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				log.Warn("klv read stopped", "source", source, "err", err)
			}
			break
		}
		demux.HandlePacket(pkt)
		if encErr != nil {
			return encErr
		}
	}
	if limit <= 0 || count < limit {
		demux.Flush()
	}
	log.Info("klv dump done", "source", source, "packets", count, "rejected", parser.Rejected())
	return encErr
}
