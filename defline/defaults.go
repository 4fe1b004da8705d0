package defline

// Default templates, chosen per format and split policy. Split modes print
// the read id so mates stay distinguishable; whole-spot and split-spot
// deflines identify the spot alone.

const (
	// DefaultFastqSeq is the FASTQ sequence defline for whole-spot and
	// split-spot output.
	DefaultFastqSeq = "@$ac.$si $sn length=$rl"
	// DefaultFastqSeqSplit is the FASTQ sequence defline for split-file and
	// split-3 output.
	DefaultFastqSeqSplit = "@$ac.$si/$ri $sn length=$rl"
	// DefaultFastqQual mirrors DefaultFastqSeq for the quality defline.
	DefaultFastqQual = "+$ac.$si $sn length=$rl"
	// DefaultFastqQualSplit mirrors DefaultFastqSeqSplit.
	DefaultFastqQualSplit = "+$ac.$si/$ri $sn length=$rl"
	// DefaultFastaSeq is the FASTA defline for whole-spot and split-spot
	// output.
	DefaultFastaSeq = ">$ac.$si $sn length=$rl"
	// DefaultFastaSeqSplit is the FASTA defline for split-file and split-3
	// output.
	DefaultFastaSeqSplit = ">$ac.$si/$ri $sn length=$rl"
)
