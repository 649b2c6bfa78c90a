package pifm

import (
	"sync"
	"time"
)

// FileSource replays decoded audio in real time, one period per tick of
// the file's sample clock.
type FileSource struct {
	pcm    *PCM
	period int
	loop   bool

	done chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewFileSource plays pcm with the given number of channels and frames
// per period.  With loop set it starts over at the end, otherwise Done is
// closed after the last period.
func NewFileSource(pcm *PCM, channels, period int, loop bool) *FileSource {
	return &FileSource{
		pcm:    pcm.Remix(channels),
		period: period,
		loop:   loop,
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
}

func (s *FileSource) SampleRate() float64 { return s.pcm.SampleRate }
func (s *FileSource) Period() int         { return s.period }
func (s *FileSource) Channels() int       { return len(s.pcm.Data) }

// Done is closed when a non looping file has been played out.
func (s *FileSource) Done() <-chan struct{} {
	return s.done
}

func (s *FileSource) Start(process func(channels [][]float32)) error {
	var interval = time.Duration(float64(time.Second) * float64(s.period) / s.pcm.SampleRate)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var ticker = time.NewTicker(interval)
		defer ticker.Stop()

		var blocks = make([][]float32, len(s.pcm.Data))
		for ch := range blocks {
			blocks[ch] = make([]float32, s.period)
		}

		var pos int
		for {
			select {
			case <-s.quit:
				return
			case <-ticker.C:
			}

			if pos >= s.pcm.Frames() {
				if !s.loop {
					close(s.done)
					return
				}
				pos = 0
			}

			// The last period of the file is padded with silence.
			for ch, data := range s.pcm.Data {
				var n = copy(blocks[ch], data[pos:])
				clear(blocks[ch][n:])
			}
			pos += s.period

			process(blocks)
		}
	}()
	return nil
}

func (s *FileSource) Close() error {
	s.once.Do(func() { close(s.quit) })
	s.wg.Wait()
	return nil
}
