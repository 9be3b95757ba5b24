package objc

import "github.com/blacktop/crashwatch/internal/imagelist"

// MethodMatch is one method found by FindMethod.
type MethodMatch struct {
	IsClassMethod bool
	ClassName     string
	MethodName    string
	IMP           uint64
}

// FindMethod does the two-pass best-IMP search from spec §4.G: a
// first parse collects the maximum IMP not exceeding targetIP, a
// second parse reports the (first) method whose IMP equals it. Two
// passes avoid building a candidate list during the scan.
func (p *Parser) FindMethod(img *imagelist.Image, targetIP uint64) (MethodMatch, bool, error) {
	var bestIMP uint64
	haveBest := false

	firstPass := func(isClassMethod bool, className, methodName string, imp uint64) {
		if betterIMP(imp, bestIMP, haveBest, targetIP) {
			bestIMP = imp
			haveBest = true
		}
	}
	if err := p.ParseImage(img, firstPass); err != nil {
		return MethodMatch{}, false, err
	}
	if !haveBest {
		return MethodMatch{}, false, nil
	}

	var match MethodMatch
	matched := false
	secondPass := func(isClassMethod bool, className, methodName string, imp uint64) {
		if matched || imp != bestIMP {
			return
		}
		match = MethodMatch{
			IsClassMethod: isClassMethod,
			ClassName:     className,
			MethodName:    methodName,
			IMP:           imp,
		}
		matched = true
	}
	if err := p.ParseImage(img, secondPass); err != nil {
		return MethodMatch{}, false, err
	}
	return match, matched, nil
}

// betterIMP reports whether imp replaces best as FindMethod's
// first-pass candidate: it must not exceed targetIP and must exceed
// best, unless no candidate has been seen yet.
func betterIMP(imp, best uint64, have bool, targetIP uint64) bool {
	return imp <= targetIP && (!have || imp > best)
}
