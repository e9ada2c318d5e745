package crypto

import (
	"encoding/binary"
	"fmt"
	"sort"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/share"
)

const (
	shareVersion = 1
	chunkSize    = 16
	scalarSize   = 32
	shareHeader  = 1 + 1 + 4 + 2 // version | threshold | index | chunk count

	// MaxThreshold is the largest supported threshold.
	MaxThreshold = 255
)

// Shamir is polynomial secret sharing over the Ed25519 scalar field.
// Secrets of any length are length-prefixed, cut into 16-byte chunks and
// shared chunk by chunk with the same x coordinates. A chunk always fits
// below the group order, so recovering a value with high bytes set means
// the shares did not belong together.
type Shamir struct {
	suite *edwards25519.SuiteEd25519
}

// NewShamir creates the module.
func NewShamir() *Shamir {
	return &Shamir{suite: edwards25519.NewBlakeSHA256Ed25519()}
}

func (s *Shamir) ID() string { return "shamir-ed25519" }

type parsedShare struct {
	threshold int
	index     int
	values    []kyber.Scalar
}

// Split returns n shares with threshold t. Share i sits at x = i+1.
func (s *Shamir) Split(secret *Hidden, n, t int) ([]*Hidden, error) {
	if t < 1 || t > MaxThreshold || n < t {
		return nil, fmt.Errorf("invalid threshold %d of %d shares", t, n)
	}

	chunks := chunkSecret(secret.Bytes())
	stream := s.suite.RandomStream()

	values := make([][]kyber.Scalar, n)
	for i := range values {
		values[i] = make([]kyber.Scalar, len(chunks))
	}

	for c, chunk := range chunks {
		poly := share.NewPriPoly(s.suite, t, s.scalar(chunk), stream)
		for i, ps := range poly.Shares(n) {
			values[i][c] = ps.V
		}
		wipe(chunk)
	}

	out := make([]*Hidden, n)
	for i := range out {
		b, err := s.encode(t, i, values[i])
		if err != nil {
			return nil, err
		}
		out[i] = NewHidden(b)
	}
	return out, nil
}

// Recover interpolates the secret from at least threshold shares.
func (s *Shamir) Recover(shares []*Hidden) (*Hidden, error) {
	parsed, err := s.parseAll(shares)
	if err != nil {
		return nil, err
	}
	t := parsed[0].threshold
	if len(parsed) < t {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientShares, len(parsed), t)
	}

	chunks := len(parsed[0].values)
	data := make([]byte, 0, chunks*chunkSize)
	for c := 0; c < chunks; c++ {
		pri := make([]*share.PriShare, len(parsed))
		for i, p := range parsed {
			pri[i] = &share.PriShare{I: p.index, V: p.values[c]}
		}

		secret, err := share.RecoverSecret(s.suite, pri, t, len(pri))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientShares, err)
		}
		chunk, err := s.chunk(secret)
		if err != nil {
			wipe(data)
			return nil, err
		}
		data = append(data, chunk...)
		wipe(chunk)
	}

	out, err := unchunkSecret(data)
	wipe(data)
	if err != nil {
		return nil, err
	}
	return NewHidden(out), nil
}

// Extend evaluates the shared polynomials at new indices.
func (s *Shamir) Extend(shares []*Hidden, indices []int) ([]*Hidden, error) {
	parsed, err := s.parseAll(shares)
	if err != nil {
		return nil, err
	}
	t := parsed[0].threshold
	if len(parsed) < t {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientShares, len(parsed), t)
	}
	points := parsed[:t]

	taken := make(map[int]bool, len(parsed))
	for _, p := range parsed {
		taken[p.index] = true
	}

	out := make([]*Hidden, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || taken[idx] {
			return nil, fmt.Errorf("share index %d is not free", idx)
		}
		taken[idx] = true

		values := make([]kyber.Scalar, len(points[0].values))
		for c := range values {
			values[c] = s.interpolate(points, c, idx+1)
		}
		b, err := s.encode(t, idx, values)
		if err != nil {
			return nil, err
		}
		out = append(out, NewHidden(b))
	}
	return out, nil
}

// ShareIndex returns the index of a share.
func (s *Shamir) ShareIndex(sh *Hidden) (int, error) {
	p, err := s.parse(sh.Bytes())
	if err != nil {
		return 0, err
	}
	return p.index, nil
}

// interpolate evaluates the Lagrange polynomial through points at x.
func (s *Shamir) interpolate(points []parsedShare, c, x int) kyber.Scalar {
	g := s.suite
	xv := g.Scalar().SetInt64(int64(x))
	acc := g.Scalar().Zero()

	for j, pj := range points {
		xj := g.Scalar().SetInt64(int64(pj.index + 1))
		num := g.Scalar().One()
		den := g.Scalar().One()
		for m, pm := range points {
			if m == j {
				continue
			}
			xm := g.Scalar().SetInt64(int64(pm.index + 1))
			num.Mul(num, g.Scalar().Sub(xv, xm))
			den.Mul(den, g.Scalar().Sub(xj, xm))
		}
		term := g.Scalar().Div(num, den)
		term.Mul(term, pj.values[c])
		acc.Add(acc, term)
	}
	return acc
}

func (s *Shamir) scalar(chunk []byte) kyber.Scalar {
	buf := make([]byte, scalarSize)
	copy(buf, chunk)
	sc := s.suite.Scalar().SetBytes(buf)
	wipe(buf)
	return sc
}

func (s *Shamir) chunk(sc kyber.Scalar) ([]byte, error) {
	b, err := sc.MarshalBinary()
	if err != nil {
		return nil, err
	}
	for _, v := range b[chunkSize:] {
		if v != 0 {
			wipe(b)
			return nil, ErrInvalidShares
		}
	}
	return b[:chunkSize], nil
}

func (s *Shamir) encode(t, index int, values []kyber.Scalar) ([]byte, error) {
	body := make([]byte, 0, shareHeader+len(values)*scalarSize)
	body = append(body, shareVersion, byte(t))
	body = binary.BigEndian.AppendUint32(body, uint32(index))
	body = binary.BigEndian.AppendUint16(body, uint16(len(values)))
	for _, v := range values {
		b, err := v.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode share: %w", err)
		}
		body = append(body, b...)
	}
	return AppendTag(body, s.ID()), nil
}

func (s *Shamir) parse(data []byte) (parsedShare, error) {
	body, err := openTag(data, s.ID())
	if err != nil {
		return parsedShare{}, err
	}
	if len(body) < shareHeader || body[0] != shareVersion {
		return parsedShare{}, fmt.Errorf("%w: share header", ErrMalformed)
	}
	p := parsedShare{
		threshold: int(body[1]),
		index:     int(binary.BigEndian.Uint32(body[2:6])),
	}
	count := int(binary.BigEndian.Uint16(body[6:8]))
	if p.threshold < 1 || count == 0 || len(body) != shareHeader+count*scalarSize {
		return parsedShare{}, fmt.Errorf("%w: share length", ErrMalformed)
	}

	p.values = make([]kyber.Scalar, count)
	for c := range p.values {
		off := shareHeader + c*scalarSize
		v := s.suite.Scalar()
		if err := v.UnmarshalBinary(body[off : off+scalarSize]); err != nil {
			return parsedShare{}, fmt.Errorf("%w: share value: %v", ErrMalformed, err)
		}
		p.values[c] = v
	}
	return p, nil
}

// parseAll decodes, de-duplicates by index and sorts shares.
func (s *Shamir) parseAll(shares []*Hidden) ([]parsedShare, error) {
	if len(shares) == 0 {
		return nil, ErrInsufficientShares
	}

	seen := make(map[int]bool, len(shares))
	parsed := make([]parsedShare, 0, len(shares))
	for _, sh := range shares {
		p, err := s.parse(sh.Bytes())
		if err != nil {
			return nil, err
		}
		if len(parsed) > 0 {
			first := parsed[0]
			if p.threshold != first.threshold || len(p.values) != len(first.values) {
				return nil, ErrInvalidShares
			}
		}
		if seen[p.index] {
			continue
		}
		seen[p.index] = true
		parsed = append(parsed, p)
	}

	sort.Slice(parsed, func(i, j int) bool { return parsed[i].index < parsed[j].index })
	return parsed, nil
}

// chunkSecret prefixes the length and pads to whole chunks.
func chunkSecret(secret []byte) [][]byte {
	data := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(secret)+chunkSize), uint32(len(secret)))
	data = append(data, secret...)
	if pad := len(data) % chunkSize; pad != 0 {
		data = append(data, make([]byte, chunkSize-pad)...)
	}

	chunks := make([][]byte, 0, len(data)/chunkSize)
	for off := 0; off < len(data); off += chunkSize {
		chunks = append(chunks, data[off:off+chunkSize])
	}
	return chunks
}

func unchunkSecret(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidShares
	}
	n := int(binary.BigEndian.Uint32(data[:4]))
	if n > len(data)-4 {
		return nil, ErrInvalidShares
	}
	out := make([]byte, n)
	copy(out, data[4:4+n])
	return out, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
