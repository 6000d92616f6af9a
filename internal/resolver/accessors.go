package resolver

// Typed accessors for the built-in facts. Each resolves on first use.

func (e *Engine) address(name string) (uint64, bool) { return e.Resolve(name).Address() }
func (e *Engine) index(name string) (int, bool)      { return e.Resolve(name).Index() }

// GMalloc returns the address of the global allocator pointer.
func (e *Engine) GMalloc() (uint64, bool) { return e.address(GMalloc) }

// MallocIndex returns the FMalloc::Malloc vtable slot.
func (e *Engine) MallocIndex() (int, bool) { return e.index(MallocIndex) }

// ReallocIndex returns the FMalloc::Realloc vtable slot.
func (e *Engine) ReallocIndex() (int, bool) { return e.index(ReallocIndex) }

// FreeIndex returns the FMalloc::Free vtable slot.
func (e *Engine) FreeIndex() (int, bool) { return e.index(FreeIndex) }

// FNameConstructor returns FName::FName(const TCHAR*, EFindName).
func (e *Engine) FNameConstructor() (uint64, bool) { return e.address(FNameConstructor) }

// FNameToString returns FName::ToString(FString&).
func (e *Engine) FNameToString() (uint64, bool) { return e.address(FNameToString) }

func (e *Engine) InitNamePool() (uint64, bool) { return e.address(InitNamePool) }

func (e *Engine) NamePool() (uint64, bool) { return e.address(NamePool) }

// ProcessEventIndex returns the UObject::ProcessEvent vtable slot.
func (e *Engine) ProcessEventIndex() (int, bool) { return e.index(ProcessEventIndex) }

func (e *Engine) ObjectDestructor() (uint64, bool) { return e.address(ObjectDestructor) }

func (e *Engine) ObjectVtable() (uint64, bool) { return e.address(ObjectVtable) }

// AddObject returns UObjectBase::AddObject.
func (e *Engine) AddObject() (uint64, bool) { return e.address(AddObject) }

// TickAddress returns UGameEngine::Tick.
func (e *Engine) TickAddress() (uint64, bool) { return e.address(GameEngineTick) }

// PostRenderIndex returns the AHUD::PostRender vtable slot.
func (e *Engine) PostRenderIndex() (int, bool) { return e.index(PostRenderIndex) }

func (e *Engine) DebugCanvasIndex() (int, bool) { return e.index(DebugCanvasIndex) }

func (e *Engine) ViewportSizeXYIndex() (int, bool) { return e.index(ViewportSizeXYIndex) }

// FunctionFlagsOffset returns the offset of UFunction::FunctionFlags.
func (e *Engine) FunctionFlagsOffset() (uint64, bool) { return e.Resolve(FunctionFlagsOffset).Offset() }
