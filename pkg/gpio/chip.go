package gpio

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// DefaultChip is the GPIO character device most single-board computers
// expose their header pins on.
const DefaultChip = "gpiochip0"

// cdevOutput drives a line through the kernel GPIO character device.
type cdevOutput struct {
	line *gpiocdev.Line
}

// OpenOutput requests pin on chip as an output, initially low.
func OpenOutput(chip string, pin int) (OutputPin, error) {
	line, err := gpiocdev.RequestLine(chip, pin, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("gpio: output pin %d on %s: %w", pin, chip, err)
	}
	return &cdevOutput{line: line}, nil
}

func (o *cdevOutput) Set(high bool) error {
	v := 0
	if high {
		v = 1
	}
	if err := o.line.SetValue(v); err != nil {
		return fmt.Errorf("gpio: set: %w", err)
	}
	return nil
}

func (o *cdevOutput) Close() error {
	return o.line.Close()
}

// cdevInput delivers kernel edge events onto a channel.
type cdevInput struct {
	line *gpiocdev.Line
	ch   chan bool
	once sync.Once
}

// OpenInput requests pin on chip as a pulled-up input reporting both edges.
func OpenInput(chip string, pin int) (InputPin, error) {
	in := &cdevInput{ch: make(chan bool, 16)}
	line, err := gpiocdev.RequestLine(chip, pin,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(in.handle),
	)
	if err != nil {
		return nil, fmt.Errorf("gpio: input pin %d on %s: %w", pin, chip, err)
	}
	in.line = line
	return in, nil
}

func (i *cdevInput) handle(evt gpiocdev.LineEvent) {
	rising := evt.Type == gpiocdev.LineEventRisingEdge
	select {
	case i.ch <- rising:
	default:
		// Consumer is behind; a dropped bounce is harmless.
	}
}

func (i *cdevInput) Edges() <-chan bool { return i.ch }

func (i *cdevInput) Close() error {
	err := i.line.Close()
	i.once.Do(func() { close(i.ch) })
	return err
}
