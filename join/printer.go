package join

import (
	"io"

	"github.com/grailbio/fastrq/archive"
	"github.com/grailbio/fastrq/defline"
)

// printer renders one FASTA/FASTQ record per call into a writer. The
// scratch buffer is reused across calls, so printers are per-worker.
type printer struct {
	acc         string
	format      Format
	seqTmpl     *defline.Template
	qualTmpl    *defline.Template // nil for FASTA
	rowIDAsName bool
	buf         []byte
}

// print writes the record for one (spot, read id, bases, quality) tuple.
// qual holds raw Phred bytes and is ignored for FASTA.
func (p *printer) print(w io.Writer, spot *archive.Spot, readID uint32, bases, qual []byte) error {
	fields := defline.Fields{
		Accession:   p.acc,
		SpotID:      spot.Row,
		ReadID:      readID,
		Name:        spot.Name,
		SpotGroup:   spot.SpotGroup,
		ReadLen:     len(bases),
		RowIDAsName: p.rowIDAsName,
	}
	buf := p.seqTmpl.Render(p.buf[:0], &fields)
	buf = append(buf, '\n')
	buf = append(buf, bases...)
	buf = append(buf, '\n')
	if p.format == FASTQ {
		buf = p.qualTmpl.Render(buf, &fields)
		buf = append(buf, '\n')
		for _, q := range qual {
			buf = append(buf, q+33)
		}
		buf = append(buf, '\n')
	}
	p.buf = buf
	_, err := w.Write(buf)
	return err
}
