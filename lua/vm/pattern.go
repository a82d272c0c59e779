package vm

import (
	"errors"
	"fmt"
	"strings"
)

const (
	capUnfinished = -1
	capPosition   = -2
	maxCaptures   = 32
	maxMatchDepth = 200
	patEsc        = '%'
	specials      = "^$*+?.([%-"
)

var (
	errMalformedEsc     = fmt.Errorf("malformed pattern (ends with '%c')", patEsc)
	errMalformedBracket = errors.New("malformed pattern (missing ']')")
	errPatternComplex   = errors.New("pattern too complex")
)

func tolower(c byte) byte {
	if isupper(c) {
		return c + 'a' - 'A'
	}
	return c
}

// ctype, C locale
func isalpha(c byte) bool  { return c|32-'a' < 26 }
func iscntrl(c byte) bool  { return c < ' ' || c == 127 }
func isdigit(c byte) bool  { return c-'0' < 10 }
func isgraph(c byte) bool  { return c-'!' < 94 }
func islower(c byte) bool  { return c-'a' < 26 }
func isspace(c byte) bool  { return c == ' ' || c-'\t' < 5 }
func isupper(c byte) bool  { return c-'A' < 26 }
func isalnum(c byte) bool  { return isalpha(c) || isdigit(c) }
func ispunct(c byte) bool  { return isgraph(c) && !isalnum(c) }
func isxdigit(c byte) bool { return isdigit(c) || c|32-'a' < 6 }

func matchClass(c, cl byte) bool {
	var res bool
	switch tolower(cl) {
	case 'a':
		res = isalpha(c)
	case 'c':
		res = iscntrl(c)
	case 'd':
		res = isdigit(c)
	case 'g':
		res = isgraph(c)
	case 'l':
		res = islower(c)
	case 'p':
		res = ispunct(c)
	case 's':
		res = isspace(c)
	case 'u':
		res = isupper(c)
	case 'w':
		res = isalnum(c)
	case 'x':
		res = isxdigit(c)
	case 'z':
		res = c == 0
	default:
		return cl == c
	}
	// upper case classes are the complement
	return res == islower(cl)
}

// matchBracketClass matches c against the set p[pi:ec], ec being the
// closing bracket.
func matchBracketClass(c byte, p string, pi, ec int) bool {
	sig := true
	if p[pi+1] == '^' {
		sig = false
		pi++
	}

	for pi++; pi < ec; pi++ {
		switch {
		case p[pi] == patEsc:
			pi++
			if matchClass(c, p[pi]) {
				return sig
			}
		case p[pi+1] == '-' && pi+2 < ec:
			pi += 2
			if p[pi-2] <= c && c <= p[pi] {
				return sig
			}
		case p[pi] == c:
			return sig
		}
	}
	return !sig
}

func nospecials(p string) bool {
	return !strings.ContainsAny(p, specials)
}

type capture struct {
	init, len int
}

// matcher holds the state of one match attempt. Positions are byte offsets
// into src and pat.
type matcher struct {
	m        *Machine // charged one instruction per match step
	src, pat string
	level    int
	depth    int
	capture  [maxCaptures]capture
}

func (ms *matcher) classEnd(p int) (int, error) {
	pat := ms.pat
	c := pat[p]
	p++

	switch c {
	case patEsc:
		if p >= len(pat) {
			return 0, errMalformedEsc
		}
		return p + 1, nil
	case '[':
		if p < len(pat) && pat[p] == '^' {
			p++
		}
		for {
			// look for a ']', skipping escapes like '%]'
			if p >= len(pat) {
				return 0, errMalformedBracket
			}
			c := pat[p]
			p++
			if c == patEsc && p < len(pat) {
				p++
			}
			if p >= len(pat) {
				return 0, errMalformedBracket
			}
			if pat[p] == ']' {
				return p + 1, nil
			}
		}
	}
	return p, nil
}

func (ms *matcher) singleMatch(s, p, ep int) bool {
	if s >= len(ms.src) {
		return false
	}

	c := ms.src[s]
	switch ms.pat[p] {
	case '.':
		return true
	case patEsc:
		return matchClass(c, ms.pat[p+1])
	case '[':
		return matchBracketClass(c, ms.pat, p, ep-1)
	}
	return ms.pat[p] == c
}

func (ms *matcher) matchBalance(s, p int) (int, error) {
	if p+1 >= len(ms.pat) {
		return 0, errors.New("malformed pattern (missing arguments to '%b')")
	}
	if s >= len(ms.src) || ms.src[s] != ms.pat[p] {
		return -1, nil
	}

	b, e := ms.pat[p], ms.pat[p+1]
	for cont := 1; ; {
		s++
		if s >= len(ms.src) {
			return -1, nil
		}
		switch ms.src[s] {
		case e:
			if cont--; cont == 0 {
				return s + 1, nil
			}
		case b:
			cont++
		}
	}
}

func (ms *matcher) maxExpand(s, p, ep int) (int, error) {
	var i int
	for ms.singleMatch(s+i, p, ep) {
		i++
	}
	// try with the most repetitions first
	for ; i >= 0; i-- {
		if r, err := ms.match(s+i, ep+1); err != nil || r != -1 {
			return r, err
		}
	}
	return -1, nil
}

func (ms *matcher) minExpand(s, p, ep int) (int, error) {
	for ; ; s++ {
		if r, err := ms.match(s, ep+1); err != nil || r != -1 {
			return r, err
		}
		if !ms.singleMatch(s, p, ep) {
			return -1, nil
		}
	}
}

func (ms *matcher) startCapture(s, p, what int) (int, error) {
	if ms.level >= maxCaptures {
		return 0, errors.New("too many captures")
	}
	ms.capture[ms.level] = capture{s, what}
	ms.level++

	r, err := ms.match(s, p)
	if r == -1 {
		ms.level--
	}
	return r, err
}

func (ms *matcher) endCapture(s, p int) (int, error) {
	l := -1
	for i := ms.level - 1; i >= 0; i-- {
		if ms.capture[i].len == capUnfinished {
			l = i
			break
		}
	}
	if l == -1 {
		return 0, errors.New("invalid pattern capture")
	}

	ms.capture[l].len = s - ms.capture[l].init
	r, err := ms.match(s, p)
	if r == -1 {
		ms.capture[l].len = capUnfinished
	}
	return r, err
}

func (ms *matcher) matchCapture(s int, l byte) (int, error) {
	i := int(l) - '1'
	if i < 0 || i >= ms.level || ms.capture[i].len == capUnfinished {
		return 0, fmt.Errorf("invalid capture index %%%d", i+1)
	}

	c := ms.capture[i]
	if len(ms.src)-s >= c.len && ms.src[c.init:c.init+c.len] == ms.src[s:s+c.len] {
		return s + c.len, nil
	}
	return -1, nil
}

// match returns the end of the match of pat[p:] at src[s:], or -1.
func (ms *matcher) match(s, p int) (int, error) {
	if ms.depth++; ms.depth > maxMatchDepth {
		return 0, errPatternComplex
	}
	defer func() { ms.depth-- }()
	if ms.m != nil {
		if err := ms.m.step(); err != nil {
			return 0, err
		}
	}

	pat := ms.pat
	for p < len(pat) {
		switch pat[p] {
		case '(':
			if p+1 < len(pat) && pat[p+1] == ')' {
				return ms.startCapture(s, p+2, capPosition)
			}
			return ms.startCapture(s, p+1, capUnfinished)
		case ')':
			return ms.endCapture(s, p+1)
		case '$':
			if p+1 == len(pat) {
				if s == len(ms.src) {
					return s, nil
				}
				return -1, nil
			}
		case patEsc:
			if p+1 >= len(pat) {
				break
			}
			switch pat[p+1] {
			case 'b':
				r, err := ms.matchBalance(s, p+2)
				if err != nil || r == -1 {
					return r, err
				}
				s, p = r, p+4
				continue
			case 'f':
				p += 2
				if p >= len(pat) || pat[p] != '[' {
					return 0, errors.New("missing '[' after '%f' in pattern")
				}
				ep, err := ms.classEnd(p)
				if err != nil {
					return 0, err
				}

				var prev, cur byte
				if s > 0 {
					prev = ms.src[s-1]
				}
				if s < len(ms.src) {
					cur = ms.src[s]
				}
				if !matchBracketClass(prev, pat, p, ep-1) && matchBracketClass(cur, pat, p, ep-1) {
					p = ep
					continue
				}
				return -1, nil
			case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
				r, err := ms.matchCapture(s, pat[p+1])
				if err != nil || r == -1 {
					return r, err
				}
				s, p = r, p+2
				continue
			}
		}

		// a single char class with an optional suffix
		ep, err := ms.classEnd(p)
		if err != nil {
			return 0, err
		}
		m := ms.singleMatch(s, p, ep)
		if ep < len(pat) {
			switch pat[ep] {
			case '?':
				if m {
					if r, err := ms.match(s+1, ep+1); err != nil || r != -1 {
						return r, err
					}
				}
				p = ep + 1
				continue
			case '+':
				if !m {
					return -1, nil
				}
				return ms.maxExpand(s+1, p, ep)
			case '*':
				return ms.maxExpand(s, p, ep)
			case '-':
				return ms.minExpand(s, p, ep)
			}
		}
		if !m {
			return -1, nil
		}
		s, p = s+1, ep
	}
	return s, nil
}

// getCapture returns capture i of the match src[s:e].
func (ms *matcher) getCapture(i, s, e int) (Val, error) {
	if i >= ms.level {
		if i != 0 {
			return nil, fmt.Errorf("invalid capture index %%%d", i+1)
		}
		return ms.src[s:e], nil
	}

	switch c := ms.capture[i]; c.len {
	case capUnfinished:
		return nil, errors.New("unfinished capture")
	case capPosition:
		return float64(c.init + 1), nil
	default:
		return ms.src[c.init : c.init+c.len], nil
	}
}

// captures returns every capture of the match src[s:e]. With no explicit
// captures, whole gives the whole match.
func (ms *matcher) captures(s, e int, whole bool) (r []Val, err error) {
	n := ms.level
	if n == 0 && whole {
		n = 1
	}

	r = make([]Val, n)
	for i := range r {
		if r[i], err = ms.getCapture(i, s, e); err != nil {
			return nil, err
		}
	}
	return
}
